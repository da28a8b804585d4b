package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_add_locations.sql": {Data: []byte("CREATE TABLE job_location ();")},
		"migrations/001_init.sql":          {Data: []byte("CREATE TABLE job ();")},
		"migrations/README.md":             {Data: []byte("not a migration")},
	}
	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		NewMigration(1, "001_init.sql", "CREATE TABLE job ();"),
		NewMigration(2, "002_add_locations.sql", "CREATE TABLE job_location ();"),
	}, migrations)
}

func TestReadMigrations_BadName(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/init.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	s := CreateConnectionString(map[string]string{"password": `it's`})
	assert.Equal(t, `password='it\'s'`, s)
}
