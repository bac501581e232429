//go:build integration

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"homepedia/server/internal/database"
	"homepedia/server/internal/models"
)

func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "homepedia",
				"POSTGRES_PASSWORD": "homepedia",
				"POSTGRES_DB":       "homepedia",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	url := fmt.Sprintf("postgres://homepedia:homepedia@%s:%s/homepedia?sslmode=disable", host, port.Port())
	db, err := database.Open(url, logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	require.NoError(t, database.Migrate(db))
	return db
}

func TestDefaultStages_Postgres(t *testing.T) {
	db := startPostgres(t)
	srv := feedServer(t)
	logger, _ := test.NewNullLogger()
	cfg := e2eConfig(srv.URL)

	for run := 0; run < 2; run++ {
		p, err := New(logger, 2, DefaultStages(db, cfg, logger)...)
		require.NoError(t, err)
		_, err = p.Run(context.Background())
		require.NoError(t, err, fmt.Sprintf("run %d", run))
	}

	var n int64
	require.NoError(t, db.Model(&models.Transaction{}).Count(&n).Error)
	assert.Equal(t, int64(16), n)

	// Identities restart with every truncate
	var minID uint
	require.NoError(t, db.Model(&models.Transaction{}).Select("MIN(id)").Scan(&minID).Error)
	assert.Equal(t, uint(1), minID)

	var agg models.CommunePrice
	require.NoError(t, db.Joins("JOIN communes ON communes.id = prix_moyens_communes.commune_id").
		Where("communes.code_insee = ?", "75056").First(&agg).Error)
	assert.Equal(t, 2022, agg.Year)
	assert.Equal(t, 1, agg.Quarter)
	assert.Equal(t, 15, agg.TransactionCount)
	assert.Nil(t, agg.PricePerSqm)
}
