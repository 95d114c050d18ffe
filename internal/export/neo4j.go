package export

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BoltOptions locates the Neo4j instance that receives exports.
type BoltOptions struct {
	URI      string
	Database string
	Username string
	Password string
	PoolSize int
}

// OpenBolt dials Neo4j and checks the server answers before returning.
func OpenBolt(ctx context.Context, opts BoltOptions) (Graph, error) {
	if opts.URI == "" {
		return nil, ErrNoURI
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI, auth, func(c *neo4j.Config) {
		if opts.PoolSize > 0 {
			c.MaxConnectionPoolSize = opts.PoolSize
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bolt driver for %s: %w", opts.URI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("reach %s: %w", opts.URI, err)
	}
	return &boltGraph{driver: driver, database: opts.Database}, nil
}

type boltGraph struct {
	driver   neo4j.DriverWithContext
	database string
}

func (g *boltGraph) Write(ctx context.Context, st Statement) error {
	_, err := g.query(ctx, st, neo4j.ExecuteQueryWithWritersRouting())
	return err
}

func (g *boltGraph) Read(ctx context.Context, st Statement) ([]Row, error) {
	res, err := g.query(ctx, st, neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(res.Records))
	for _, rec := range res.Records {
		rows = append(rows, Row(rec.AsMap()))
	}
	return rows, nil
}

func (g *boltGraph) query(ctx context.Context, st Statement, routing neo4j.ExecuteQueryConfigurationOption) (*neo4j.EagerResult, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{routing}
	if g.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(g.database))
	}
	return neo4j.ExecuteQuery(ctx, g.driver, st.Cypher, st.Params, neo4j.EagerResultTransformer, opts...)
}

func (g *boltGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

func (g *boltGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
