package sqlitefn

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/codec"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/registry"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	require.NoError(t, Register(zap.NewNop()))
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func exec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err)
}

func queryFloat(t *testing.T, db *sql.DB, query string, args ...any) float64 {
	t.Helper()
	var f float64
	require.NoError(t, db.QueryRow(query, args...).Scan(&f))
	return f
}

func queryBlob(t *testing.T, db *sql.DB, query string, args ...any) []byte {
	t.Helper()
	var b []byte
	require.NoError(t, db.QueryRow(query, args...).Scan(&b))
	return b
}

func cardinality(t *testing.T, blob []byte) float64 {
	t.Helper()
	sk, err := codec.Decode(blob)
	require.NoError(t, err)
	return sk.Cardinality()
}

func requireQueryError(t *testing.T, db *sql.DB, query, needle string) {
	t.Helper()
	var v any
	err := db.QueryRow(query).Scan(&v)
	require.Error(t, err)
	require.Contains(t, err.Error(), needle)
}

func insertIDs(t *testing.T, db *sql.DB, n int, f func(int) int) {
	t.Helper()
	exec(t, db, "CREATE TABLE foo (id INT)")
	tx, err := db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare("INSERT INTO foo (id) VALUES (?)")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := stmt.Exec(f(i))
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())
}

func relErr(want, got float64) float64 { return math.Abs(1 - got/want) }

func TestRegisterIsIdempotent(t *testing.T) {
	require.NoError(t, Register(zap.NewNop()))
	require.NoError(t, Register(nil))
}

func TestPlanCollapsesUnion(t *testing.T) {
	fns := plan(registry.Functions())
	require.Len(t, fns, 7)
	names := make(map[string]registry.Function)
	for _, fn := range fns {
		_, dup := names[fn.Name]
		require.False(t, dup, fn.Name)
		names[fn.Name] = fn
	}
	union := names["hyperminhash_union"]
	require.Equal(t, registry.Aggregate, union.Kind)
	require.Equal(t, registry.Variadic, union.NArgs)
	require.Equal(t, 2, names["hyperminhash_intersection"].NArgs)
}

func TestEmptyTable(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE foo (id INT)")
	require.Equal(t, 0.0, queryFloat(t, db, "SELECT hyperminhash(id) FROM foo"))

	exec(t, db, "INSERT INTO foo (id) VALUES (0)")
	r := queryFloat(t, db, "SELECT hyperminhash(id) FROM foo")
	require.Greater(t, r, 0.8)
	require.Less(t, r, 1.2)
}

func TestSimpleCountError(t *testing.T) {
	db := openDB(t)
	insertIDs(t, db, 1000, func(i int) int { return i % 97 })
	r := queryFloat(t, db, "SELECT hyperminhash(id) FROM foo")
	require.Less(t, relErr(97, r), 0.05)
}

func TestDataTypes(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE bar (i INT, f FLOAT, s TEXT, b BLOB)")
	for j := 0; j < 3; j++ {
		exec(t, db, "INSERT INTO bar (i, f, s, b) VALUES (?, ?, ?, ?)", 1, 2.0, "3.0", []byte("4.0"))
	}
	r := queryFloat(t, db, "SELECT hyperminhash(i, f, s, b) FROM bar")
	require.Greater(t, r, 0.8)
	require.Less(t, r, 1.2)

	exec(t, db, "INSERT INTO bar (i, f, s, b) VALUES (?, ?, ?, ?)", 1, 2.0, "3.0", []byte("4.1"))
	r = queryFloat(t, db, "SELECT hyperminhash(i, f, s, b) FROM bar")
	require.Greater(t, r, 1.8)
	require.Less(t, r, 2.2)
}

func TestRandomData(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE bar (i INT, f FLOAT, s TEXT, b BLOB)")
	rnd := rand.New(rand.NewSource(7))
	tx, err := db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare("INSERT INTO bar (i, f, s, b) VALUES (?, ?, ?, ?)")
	require.NoError(t, err)
	letters := []rune("abcdefghijklmnopqrstuvwxyzäöüßλπ")
	for n := 0; n < 10000; n++ {
		s := make([]rune, 10)
		for k := range s {
			s[k] = letters[rnd.Intn(len(letters))]
		}
		b := make([]byte, 10)
		rnd.Read(b)
		_, err := stmt.Exec(rnd.Int63(), rnd.Float64(), string(s), b)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	before := queryFloat(t, db, "SELECT hyperminhash(i, f, s, b) FROM bar")
	require.Less(t, relErr(10000, before), 0.05)

	exec(t, db, "INSERT INTO bar (i, f, s, b) SELECT * FROM bar")
	require.Equal(t, 20000.0, queryFloat(t, db, "SELECT COUNT(*) FROM bar"))
	require.Equal(t, 10000.0, queryFloat(t, db, "SELECT COUNT(*) FROM (SELECT DISTINCT i, f, s, b FROM bar)"))
	require.Equal(t, before, queryFloat(t, db, "SELECT hyperminhash(i, f, s, b) FROM bar"))
}

func TestNullRows(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE foobar (foo INT, bar INT)")
	exec(t, db, "INSERT INTO foobar (foo, bar) VALUES (NULL, NULL), (NULL, NULL)")
	r := queryFloat(t, db, "SELECT hyperminhash(foo, bar) FROM foobar")
	require.Greater(t, r, 0.8)
	require.Less(t, r, 1.2)

	exec(t, db, "INSERT INTO foobar (foo, bar) VALUES (1, 2)")
	require.Greater(t, queryFloat(t, db, "SELECT hyperminhash(foo, bar) FROM foobar"), r)
}

func TestNullData(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE foobar (foo INT, bar INT)")
	rnd := rand.New(rand.NewSource(11))
	tx, err := db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare("INSERT INTO foobar (foo, bar) VALUES (?, ?)")
	require.NoError(t, err)
	for n := 0; n < 10000; n++ {
		var foo, bar any
		if rnd.Intn(2) == 0 {
			foo = rnd.Intn(256)
		}
		if rnd.Intn(2) == 0 {
			bar = rnd.Intn(2)
		}
		_, err := stmt.Exec(foo, bar)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	exact := queryFloat(t, db, "SELECT COUNT(*) FROM (SELECT DISTINCT foo, bar FROM foobar)")
	r := queryFloat(t, db, "SELECT hyperminhash(foo, bar) FROM foobar")
	require.Less(t, relErr(exact, r), 0.05)
}

func TestNullPosition(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE foobar (foo INT, bar INT)")
	exec(t, db, "INSERT INTO foobar (foo, bar) VALUES (1, NULL), (NULL, 1)")
	r := queryFloat(t, db, "SELECT hyperminhash(foo, bar) FROM foobar")
	require.Greater(t, r, 1.8)
	require.Less(t, r, 2.2)
}

func TestGroupBy(t *testing.T) {
	db := openDB(t)
	insertIDs(t, db, 3000, func(i int) int { return i })
	rows, err := db.Query("SELECT id % 3 AS g, hyperminhash(id) FROM foo GROUP BY g ORDER BY g")
	require.NoError(t, err)
	defer rows.Close()
	groups := 0
	for rows.Next() {
		var g int
		var r float64
		require.NoError(t, rows.Scan(&g, &r))
		require.Less(t, relErr(1000, r), 0.05, "group %d", g)
		groups++
	}
	require.NoError(t, rows.Err())
	require.Equal(t, 3, groups)
}

func TestZero(t *testing.T) {
	db := openDB(t)
	require.Equal(t, 0.0, cardinality(t, queryBlob(t, db, "SELECT hyperminhash_zero()")))
	require.Equal(t, 0.0, queryFloat(t, db, "SELECT hyperminhash_deserialize(hyperminhash_zero())"))
}

func TestSerialize(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE foo (id INT)")
	require.Equal(t, 0.0, cardinality(t, queryBlob(t, db, "SELECT hyperminhash_serialize(id) FROM foo")))

	exec(t, db, "INSERT INTO foo (id) VALUES (0)")
	r := cardinality(t, queryBlob(t, db, "SELECT hyperminhash_serialize(id) FROM foo"))
	require.Greater(t, r, 0.8)
	require.Less(t, r, 1.2)
}

func TestDeserialize(t *testing.T) {
	sk := sketches.New()
	for i := 0; i < 100; i++ {
		sk.Add([]byte{byte(i)})
	}
	buf, err := codec.EncodeBytes(sk)
	require.NoError(t, err)

	db := openDB(t)
	exec(t, db, "CREATE TABLE counts (data BLOB)")
	exec(t, db, "INSERT INTO counts (data) VALUES (?)", buf)
	require.Equal(t, sk.Cardinality(), queryFloat(t, db, "SELECT hyperminhash_deserialize(data) FROM counts"))
}

func TestSerializeRoundTrip(t *testing.T) {
	db := openDB(t)
	insertIDs(t, db, 5000, func(i int) int { return i })
	direct := queryFloat(t, db, "SELECT hyperminhash(id) FROM foo")
	viaBlob := queryFloat(t, db, "SELECT hyperminhash_deserialize((SELECT hyperminhash_serialize(id) FROM foo))")
	require.Equal(t, direct, viaBlob)
}

func TestUnion(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE foobar (foo INT, bar INT)")
	exec(t, db, "INSERT INTO foobar (foo, bar) VALUES (0, 0), (1, 1)")
	r := queryFloat(t, db, `SELECT hyperminhash_deserialize(
		hyperminhash_union(
			(SELECT hyperminhash_serialize(bar) FROM foobar WHERE foo = 0),
			(SELECT hyperminhash_serialize(bar) FROM foobar WHERE foo = 1)
		))`)
	require.Greater(t, r, 1.8)
	require.Less(t, r, 2.2)
}

func TestUnionAggregate(t *testing.T) {
	db := openDB(t)
	insertIDs(t, db, 4000, func(i int) int { return i })
	exec(t, db, "CREATE TABLE daily (day INT, data BLOB)")
	exec(t, db, `INSERT INTO daily (day, data)
		SELECT id / 1000, hyperminhash_serialize(id) FROM foo GROUP BY id / 1000`)
	exec(t, db, "INSERT INTO daily (day, data) VALUES (9, hyperminhash_zero())")

	r := queryFloat(t, db, "SELECT hyperminhash_deserialize(hyperminhash_union(data)) FROM daily")
	require.Less(t, relErr(4000, r), 0.05)

	empty := queryFloat(t, db, "SELECT hyperminhash_deserialize(hyperminhash_union(data)) FROM daily WHERE day > 100")
	require.Equal(t, 0.0, empty)
}

func TestAdd(t *testing.T) {
	db := openDB(t)
	require.Equal(t, 0.0, cardinality(t, queryBlob(t, db, "SELECT hyperminhash_add()")))

	exec(t, db, "CREATE TABLE users (day INT, ip BLOB)")
	exec(t, db, "CREATE TABLE stats (data_point TEXT PRIMARY KEY, hmh_data BLOB)")
	exec(t, db, "INSERT INTO stats (data_point, hmh_data) VALUES ('users', hyperminhash_zero())")

	update := `UPDATE stats SET hmh_data = hyperminhash_add(
			hmh_data,
			(SELECT hyperminhash_serialize(users.day, users.ip) FROM users))
		WHERE data_point = 'users'`
	insert := func(from, to int) {
		for i := from; i < to; i++ {
			exec(t, db, "INSERT INTO users (day, ip) VALUES (?, ?)", i%7, []byte{byte(i), byte(i >> 8), 0, 0})
		}
	}

	insert(0, 500)
	exec(t, db, update)
	first := queryFloat(t, db, "SELECT hyperminhash_deserialize(hmh_data) FROM stats WHERE data_point = 'users'")
	require.Less(t, relErr(500, first), 0.05)

	insert(500, 1000)
	exec(t, db, update)
	second := queryFloat(t, db, "SELECT hyperminhash_deserialize(hmh_data) FROM stats WHERE data_point = 'users'")
	require.Less(t, relErr(1000, second), 0.05)
}

func TestIntersection(t *testing.T) {
	db := openDB(t)
	insertIDs(t, db, 1000, func(i int) int { return i })
	r := queryFloat(t, db, `SELECT hyperminhash_intersection(
		(SELECT hyperminhash_serialize(id) FROM foo WHERE id < 750),
		(SELECT hyperminhash_serialize(id) FROM foo WHERE id >= 250))`)
	require.Greater(t, r, 450.0)
	require.Less(t, r, 550.0)
}

func TestErrors(t *testing.T) {
	db := openDB(t)
	tests := []struct {
		name   string
		query  string
		needle string
	}{
		{"deserialize wrong type", "SELECT hyperminhash_deserialize((SELECT 'foo'))", "not of type BLOB"},
		{"deserialize bad data", "SELECT hyperminhash_deserialize((SELECT X'00'))", "corrupt sketch data"},
		{"union wrong type", "SELECT hyperminhash_union((SELECT 'foo'), (SELECT 'bar'))", "not of type BLOB"},
		{"union bad data", "SELECT hyperminhash_union((SELECT X'00'), (SELECT X'00'))", "corrupt sketch data"},
		{"add wrong type", "SELECT hyperminhash_add(hyperminhash_zero(), 1)", "not of type BLOB"},
		{"add bad data", "SELECT hyperminhash_add(X'00')", "corrupt sketch data"},
		{"intersection wrong type", "SELECT hyperminhash_intersection((SELECT 'foo'), (SELECT 'bar'))", "not of type BLOB"},
		{"intersection bad data", "SELECT hyperminhash_intersection((SELECT X'00'), (SELECT X'00'))", "corrupt sketch data"},
		{"empty blob", "SELECT hyperminhash_deserialize(X'')", "corrupt sketch data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireQueryError(t, db, tt.query, tt.needle)
		})
	}
}

func TestEmptyBlobRows(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE b (v BLOB)")
	exec(t, db, "INSERT INTO b (v) VALUES (X'01'), (X''), (X'')")

	r := queryFloat(t, db, "SELECT hyperminhash(v) FROM b")
	require.InDelta(t, 2.0, r, 0.2)
	require.InDelta(t, 2.0, cardinality(t, queryBlob(t, db, "SELECT hyperminhash_serialize(v) FROM b")), 0.2)

	requireQueryError(t, db, "SELECT hyperminhash_union(v) FROM b", "corrupt sketch data")
	requireQueryError(t, db, "SELECT hyperminhash_add(hyperminhash_zero(), X'')", "corrupt sketch data")
}

// forgedBlob carries a dense sketch cut down to 212 registers behind a
// correct header and checksum.
func forgedBlob(t *testing.T) []byte {
	t.Helper()
	sk := sketches.New()
	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 50000; i++ {
		sk.AddHash(rnd.Uint64())
	}
	data, err := codec.EncodeBytes(sk)
	require.NoError(t, err)

	payload := append([]byte(nil), data[codec.HeaderSize:codec.HeaderSize+8+212]...)
	binary.BigEndian.PutUint32(payload[4:8], 212)
	out := append([]byte(nil), data[:codec.HeaderSize]...)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint64(out[8:16], xxhash.Sum64(payload))
	return append(out, payload...)
}

func TestForgedBlob(t *testing.T) {
	db := openDB(t)
	insertIDs(t, db, 100, func(i int) int { return i })
	valid := queryBlob(t, db, "SELECT hyperminhash_serialize(id) FROM foo")
	forged := forgedBlob(t)

	tests := []struct {
		name  string
		query string
		args  []any
	}{
		{"add", "SELECT hyperminhash_deserialize(hyperminhash_add(?1, ?2))", []any{forged, valid}},
		{"add reversed", "SELECT hyperminhash_deserialize(hyperminhash_add(?1, ?2))", []any{valid, forged}},
		{"union", "SELECT hyperminhash_deserialize(hyperminhash_union(?1, ?2))", []any{valid, forged}},
		{"intersection", "SELECT hyperminhash_intersection(?1, ?2)", []any{valid, forged}},
		{"deserialize", "SELECT hyperminhash_deserialize(?1)", []any{forged}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v any
			err := db.QueryRow(tt.query, tt.args...).Scan(&v)
			require.Error(t, err)
			require.Contains(t, err.Error(), "corrupt sketch data")
		})
	}

	exec(t, db, "CREATE TABLE stored (data BLOB)")
	exec(t, db, "INSERT INTO stored (data) VALUES (?), (?)", valid, forged)
	requireQueryError(t, db, "SELECT hyperminhash_union(data) FROM stored", "corrupt sketch data")
	require.InDelta(t, 100, queryFloat(t, db, "SELECT hyperminhash_deserialize(?)", valid), 5)
}

func TestStepErrorAbortsQuery(t *testing.T) {
	db := openDB(t)
	exec(t, db, "CREATE TABLE blobs (data)")
	exec(t, db, "INSERT INTO blobs (data) VALUES (hyperminhash_zero()), ('oops')")
	requireQueryError(t, db, "SELECT hyperminhash_union(data) FROM blobs", "not of type BLOB")

	// The connection stays usable.
	require.Equal(t, 0.0, queryFloat(t, db, "SELECT hyperminhash_deserialize(hyperminhash_zero())"))
}

func TestCheckVersion(t *testing.T) {
	db := openDB(t)
	require.NoError(t, CheckVersion(context.Background(), db))

	tests := []struct {
		have string
		want bool
	}{
		{"3.8.7", true},
		{"3.8.6", false},
		{"3.46.1", true},
		{"3.7.17", false},
		{"4.0", true},
	}
	for _, tt := range tests {
		ok, err := atLeast(tt.have, MinVersion)
		require.NoError(t, err, tt.have)
		require.Equal(t, tt.want, ok, tt.have)
	}
	_, err := atLeast("3.x", MinVersion)
	require.Error(t, err)
}
