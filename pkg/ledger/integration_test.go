//go:build integration

package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type containerDB struct {
	name  string
	image string
	port  string
	env   map[string]string
	wait  wait.Strategy
	dsn   func(host, port string) string
}

var containerDBs = []containerDB{
	{
		name:  "postgres",
		image: "postgres:16-alpine",
		port:  "5432",
		env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rollcall",
		},
		wait: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
		dsn: func(host, port string) string {
			return fmt.Sprintf("postgres://test:test@%s:%s/rollcall?sslmode=disable", host, port)
		},
	},
	{
		name:  "mysql",
		image: "mysql:8.4",
		port:  "3306",
		env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "test",
			"MYSQL_DATABASE":      "rollcall",
		},
		wait: wait.ForLog("port: 3306  MySQL Community Server").
			WithStartupTimeout(120 * time.Second),
		dsn: func(host, port string) string {
			return fmt.Sprintf("root:test@tcp(%s:%s)/rollcall", host, port)
		},
	},
}

func setupTestContainer(t *testing.T, db containerDB) (*Ledger, *clock) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        db.image,
		ExposedPorts: []string{db.port + "/tcp"},
		Env:          db.env,
		WaitingFor:   db.wait,
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, db.port)
	require.NoError(t, err)

	clk := &clock{now: time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC)}

	var l *Ledger
	// MySQL logs readiness before it accepts TCP connections on some images.
	for attempt := 0; attempt < 10; attempt++ {
		l, err = Open(ctx, Config{
			Driver:       db.name,
			URL:          db.dsn(host, port.Port()),
			MaxOpenConns: 8,
			MaxIdleConns: 2,
			Location:     time.UTC,
		}, WithClock(clk.Now))
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, clk
}

func TestIntegration_Dialects(t *testing.T) {
	for _, db := range containerDBs {
		t.Run(db.name, func(t *testing.T) {
			l, clk := setupTestContainer(t, db)
			ctx := context.Background()

			require.NoError(t, l.Migrate(ctx), "second migrate is a no-op")

			first, res, err := l.Mark(ctx, "S1", "Alice Smith")
			require.NoError(t, err)
			assert.Equal(t, Marked, res)

			again, res, err := l.Mark(ctx, "S1", "Alice Smith")
			require.NoError(t, err)
			assert.Equal(t, AlreadyMarked, res)
			assert.Equal(t, first.ID, again.ID)

			_, _, err = l.Mark(ctx, "S2", "100% Bob")
			require.NoError(t, err)

			clk.Set(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))
			_, res, err = l.Mark(ctx, "S1", "Alice Smith")
			require.NoError(t, err)
			assert.Equal(t, Marked, res)

			byName, err := l.History(ctx, Filter{Name: "ALICE"})
			require.NoError(t, err)
			assert.Len(t, byName, 2)

			literal, err := l.History(ctx, Filter{Name: "0%"})
			require.NoError(t, err)
			require.Len(t, literal, 1)
			assert.Equal(t, "S2", literal[0].StudentID)

			stats, err := l.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{TotalRecords: 3, DistinctStudents: 2, Today: 1}, stats)
		})
	}
}

func TestIntegration_ConcurrentMark(t *testing.T) {
	for _, db := range containerDBs {
		t.Run(db.name, func(t *testing.T) {
			l, _ := setupTestContainer(t, db)
			ctx := context.Background()

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				marked int
			)
			for i := 0; i < 24; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, res, err := l.Mark(ctx, "S1", "Alice")
					assert.NoError(t, err)
					if res == Marked {
						mu.Lock()
						marked++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, marked)
			today, err := l.Today(ctx)
			require.NoError(t, err)
			assert.Len(t, today, 1)
		})
	}
}

func TestIntegration_OversizedStudentIDIsRejected(t *testing.T) {
	for _, db := range containerDBs {
		t.Run(db.name, func(t *testing.T) {
			l, _ := setupTestContainer(t, db)
			ctx := context.Background()

			_, _, err := l.Mark(ctx, strings.Repeat("x", 300), "Alice")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "insert attendance")

			all, err := l.History(ctx, Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}
