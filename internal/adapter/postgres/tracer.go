package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/consultline/internal/adapter/metrics"
)

// queryTracer implements pgx.QueryTracer to collect query metrics.
type queryTracer struct {
	metrics *metrics.DatabaseMetrics
}

var _ pgx.QueryTracer = (*queryTracer)(nil)

type queryContextKey struct{}

type queryContext struct {
	start time.Time
	verb  string
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{start: time.Now(), verb: queryVerb(data.SQL)})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}
	t.metrics.ObserveQuery(qctx.verb, time.Since(qctx.start), data.Err != nil)
}

// queryVerb reduces SQL to its leading keyword to keep label cardinality low.
func queryVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	verb := strings.ToUpper(fields[0])
	if len(verb) > 20 {
		return verb[:20]
	}
	return verb
}
