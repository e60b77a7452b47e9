package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/logutil"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sqlitefn"
)

func main() {
	dbPath := flag.String("db", ":memory:", "sqlite database to seed")
	rows := flag.Int("rows", 2000000, "rows for the distinct count comparison")
	users := flag.Int("users", 250000, "user log rows added per day of the stored sketch demo")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	cfg := logutil.DefaultConfig()
	cfg.Level = *level
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hmh-demo: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), logger, *dbPath, *rows, *users); err != nil {
		logger.Fatal("demo failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, dbPath string, rows, users int) error {
	if err := sqlitefn.Register(logger); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	// An in-memory database lives on a single connection.
	db.SetMaxOpenConns(1)

	if err := sqlitefn.CheckVersion(ctx, db); err != nil {
		return err
	}
	if err := countDemo(ctx, db, rows); err != nil {
		return fmt.Errorf("count demo: %w", err)
	}
	if err := storedSketchDemo(ctx, db, rand.New(rand.NewSource(42)), users); err != nil {
		return fmt.Errorf("stored sketch demo: %w", err)
	}
	return nil
}

// countDemo compares COUNT(DISTINCT) with hyperminhash over two columns.
func countDemo(ctx context.Context, db *sql.DB, n int) error {
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS foobar`); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE foobar (foo INT NOT NULL, bar INT NOT NULL)`); err != nil {
		return err
	}
	if err := insertRows(ctx, db, `INSERT INTO foobar (foo, bar) VALUES (?, ?)`, n, func(i int) []any {
		return []any{i % 1231, i % 1409}
	}); err != nil {
		return err
	}

	var exact int64
	start := time.Now()
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT DISTINCT foo, bar FROM foobar)`).Scan(&exact); err != nil {
		return err
	}
	exactT := time.Since(start)

	var approx float64
	start = time.Now()
	if err := db.QueryRowContext(ctx, `SELECT hyperminhash(foo, bar) FROM foobar`).Scan(&approx); err != nil {
		return err
	}
	approxT := time.Since(start)

	fmt.Printf("%d unique rows in %.2fms via COUNT()\n", exact, ms(exactT))
	fmt.Printf("%.0f unique rows (%.2f%% error) in %.2fms (%.1fx) via HYPERMINHASH()\n",
		approx, (1-approx/float64(exact))*100, ms(approxT), float64(exactT)/float64(approxT))
	return nil
}

// storedSketchDemo keeps a running distinct user count in a stats table and
// estimates recurring users with an intersection.
func storedSketchDemo(ctx context.Context, db *sql.DB, rnd *rand.Rand, n int) error {
	stmts := []string{
		`DROP TABLE IF EXISTS users`,
		`DROP TABLE IF EXISTS stats`,
		`CREATE TABLE users (date DATE NOT NULL, ip BLOB NOT NULL)`,
		`CREATE TABLE stats (data_point TEXT PRIMARY KEY, hmh_data BLOB)`,
		`INSERT INTO stats (data_point, hmh_data) VALUES ('users', hyperminhash_zero())`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}

	addUsers := func() error {
		return insertRows(ctx, db, `INSERT INTO users (date, ip) VALUES (?, ?)`, n, func(int) []any {
			return []any{randomDate(rnd), randomIP(rnd)}
		})
	}
	updateCount := func() error {
		_, err := db.ExecContext(ctx, `UPDATE stats
			SET hmh_data = hyperminhash_add(
				hmh_data,
				(SELECT hyperminhash_serialize(users.date, users.ip)
				 FROM users
				 WHERE users.date BETWEEN '2018-01-01' AND '2018-12-31'))
			WHERE stats.data_point = 'users'`)
		return err
	}
	current := func() (float64, error) {
		var c float64
		err := db.QueryRowContext(ctx, `SELECT hyperminhash_deserialize(hmh_data) FROM stats WHERE data_point = 'users'`).Scan(&c)
		return c, err
	}

	if err := addUsers(); err != nil {
		return err
	}
	if err := updateCount(); err != nil {
		return err
	}
	c, err := current()
	if err != nil {
		return err
	}
	fmt.Printf("Current count is %.0f\n", c)

	if err := addUsers(); err != nil {
		return err
	}
	if err := updateCount(); err != nil {
		return err
	}
	if c, err = current(); err != nil {
		return err
	}
	fmt.Printf("Count is now %.0f\n", c)

	var approx float64
	start := time.Now()
	err = db.QueryRowContext(ctx, `SELECT hyperminhash_intersection(
			(SELECT hyperminhash_serialize(users.ip) FROM users WHERE users.date BETWEEN '2017-01-01' AND '2018-12-31'),
			(SELECT hyperminhash_serialize(users.ip) FROM users WHERE users.date < '2017-01-01'))`).Scan(&approx)
	if err != nil {
		return err
	}
	fmt.Printf("Recurring users, approx: %.0f, in %.2fms\n", approx, ms(time.Since(start)))

	var exact int64
	start = time.Now()
	err = db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT users.ip)
		FROM users
		WHERE users.date BETWEEN '2017-01-01' AND '2018-12-31'
		AND users.ip IN (SELECT u.ip FROM users AS u WHERE u.date < '2017-01-01')`).Scan(&exact)
	if err != nil {
		return err
	}
	fmt.Printf("Recurring users, exact: %d, in %.2fms\n", exact, ms(time.Since(start)))
	return nil
}

func insertRows(ctx context.Context, db *sql.DB, query string, n int, row func(int) []any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

var (
	firstDay = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
	lastDay  = time.Date(2018, 12, 31, 0, 0, 0, 0, time.UTC)
)

func randomDate(rnd *rand.Rand) string {
	days := int(lastDay.Sub(firstDay).Hours() / 24)
	return firstDay.AddDate(0, 0, rnd.Intn(days+1)).Format("2006-01-02")
}

// randomIP returns an IPv6 address with 24 random leading bits.
func randomIP(rnd *rand.Rand) []byte {
	ip := make([]byte, 16)
	rnd.Read(ip[:3])
	return ip
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
