package storage

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     5432,
		DBName:   "d",
	}
	expected := "user=a password=b host=c port=5432 dbname=d sslmode=disable"
	actual := config.DSN()
	require.Equal(t, expected, actual)
}

func TestOptions(t *testing.T) {
	cfg, err := pgxpool.ParseConfig(Config{User: "a", Password: "b", Host: "c", Port: 5432, DBName: "d"}.DSN())
	require.NoError(t, err)

	ConnectionTimeout(3 * time.Second).apply(cfg)
	MaxConns(7).apply(cfg)

	require.Equal(t, 3*time.Second, cfg.ConnConfig.ConnectTimeout)
	require.Equal(t, int32(7), cfg.MaxConns)
}
