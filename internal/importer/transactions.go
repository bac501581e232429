package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/config"
	"homepedia/server/internal/database"
	"homepedia/server/internal/models"
	"homepedia/server/internal/processor"
	"homepedia/server/internal/resolver"
)

// dvfAliases maps the generic positional headers of some DVF extracts to
// their column names.
var dvfAliases = map[string]string{
	"_1":  "date_mutation",
	"_3":  "nature_mutation",
	"_4":  "valeur_fonciere",
	"_5":  "adresse_numero",
	"_6":  "adresse_suffixe",
	"_7":  "adresse_nom_voie",
	"_8":  "adresse_code_voie",
	"_9":  "code_postal",
	"_10": "code_commune",
	"_11": "nom_commune",
	"_30": "type_local",
	"_31": "surface_reelle_bati",
	"_32": "nombre_pieces_principales",
	"_37": "surface_terrain",
	"_38": "longitude",
	"_39": "latitude",
}

var requiredDVFColumns = []string{"date_mutation", "code_commune"}

// Batches between two progress log lines
const progressEvery = 100

// ImportStats counts the outcome of every feed row of a transaction import.
type ImportStats struct {
	Read                 int
	Imported             int
	Skipped              int
	Failed               int
	CommunesCreated      int
	PropertyTypesCreated int
	Batches              int
}

// TransactionImporter streams the DVF feed into the transactions table within
// a single database transaction.
type TransactionImporter struct {
	db        *gorm.DB
	client    *http.Client
	feedURL   string
	batchSize int
	maxRows   int
	replace   bool
	logger    *logrus.Logger
}

// NewTransactionImporter creates a transaction importer for the configured DVF feed.
func NewTransactionImporter(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) *TransactionImporter {
	return &TransactionImporter{
		db:        db,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		feedURL:   cfg.Transactions.FeedURL,
		batchSize: cfg.Transactions.BatchSize,
		maxRows:   cfg.Transactions.MaxRows,
		replace:   cfg.Transactions.Replace,
		logger:    logger,
	}
}

// Import downloads the feed, decompressing it when gzipped, and imports it.
func (i *TransactionImporter) Import(ctx context.Context) (*ImportStats, error) {
	body, err := openFeed(ctx, i.client, i.feedURL, i.logger)
	if err != nil {
		return nil, err
	}
	feed, err := maybeGunzip(body)
	if err != nil {
		return nil, err
	}
	defer feed.Close()

	return i.ImportReader(ctx, feed)
}

type dvfColumns map[string]int

func (c dvfColumns) get(rec []string, name string) string {
	idx, ok := c[name]
	if !ok || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

func readDVFHeader(r *csv.Reader) (dvfColumns, error) {
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read feed header: %w", err)
	}

	cols := make(dvfColumns, len(header))
	for idx, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if alias, ok := dvfAliases[name]; ok {
			name = alias
		}
		if _, dup := cols[name]; !dup {
			cols[name] = idx
		}
	}
	for _, name := range requiredDVFColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	return cols, nil
}

// ImportReader imports an already decompressed CSV stream.
func (i *TransactionImporter) ImportReader(ctx context.Context, r io.Reader) (*ImportStats, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	cols, err := readDVFHeader(reader)
	if err != nil {
		return nil, err
	}

	stats := &ImportStats{}
	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if i.replace {
			if err := database.Truncate(tx, "transactions"); err != nil {
				return err
			}
		}

		res := resolver.New(tx, i.logger)
		writer := processor.NewBatchWriter(tx, i.batchSize, i.logger)
		writer.OnBatch(func(rows int) {
			if writer.Batches()%progressEvery != 0 {
				return
			}
			i.logger.WithFields(logrus.Fields{
				"read":    stats.Read,
				"batches": writer.Batches(),
				"written": writer.Written(),
			}).Info("Transaction import progress")
		})

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			if i.maxRows > 0 && writer.Written()+writer.Pending() >= i.maxRows {
				i.logger.WithField("max_rows", i.maxRows).Info("Row limit reached, stopping import")
				break
			}

			rec, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				stats.Read++
				stats.Skipped++
				i.logger.WithError(err).Warn("Malformed feed line skipped")
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read feed: %w", err)
			}
			stats.Read++

			row, err := i.rowToTransaction(ctx, res, cols, rec, stats)
			if err != nil {
				return err
			}
			if row == nil {
				continue
			}
			if err := writer.Add(ctx, row); err != nil {
				return err
			}
		}

		if err := writer.Flush(ctx); err != nil {
			return err
		}
		stats.Imported = writer.Written()
		stats.Batches = writer.Batches()
		return nil
	})
	if err != nil {
		i.logger.WithError(err).WithField("read", stats.Read).Error("Transaction import rolled back")
		return stats, fmt.Errorf("transaction import failed: %w", err)
	}

	i.logger.WithFields(logrus.Fields{
		"read":                   stats.Read,
		"imported":               stats.Imported,
		"skipped":                stats.Skipped,
		"failed":                 stats.Failed,
		"communes_created":       stats.CommunesCreated,
		"property_types_created": stats.PropertyTypesCreated,
		"batches":                stats.Batches,
	}).Info("Transaction import completed")
	return stats, nil
}

// rowToTransaction maps one feed record, resolving its references. A nil
// transaction means the row was skipped or dropped, both counted in stats.
// Only database errors that are not constraint violations are returned.
func (i *TransactionImporter) rowToTransaction(ctx context.Context, res *resolver.Resolver, cols dvfColumns, rec []string, stats *ImportStats) (*models.Transaction, error) {
	communeCode := strings.TrimSpace(cols.get(rec, "code_commune"))
	rawDate := strings.TrimSpace(cols.get(rec, "date_mutation"))
	if communeCode == "" || rawDate == "" {
		stats.Skipped++
		return nil, nil
	}

	point := parsePoint(cols.get(rec, "longitude"), cols.get(rec, "latitude"))
	ref := resolver.CommuneRef{
		InseeCode:  communeCode,
		Name:       cols.get(rec, "nom_commune"),
		PostalCode: cols.get(rec, "code_postal"),
	}
	if point != nil {
		lon, lat := point.Lon(), point.Lat()
		ref.Longitude, ref.Latitude = &lon, &lat
	}

	commune, err := res.ResolveCommune(ctx, ref)
	if err != nil && !database.IsConstraintViolation(err) {
		return nil, err
	}
	if err != nil || !commune.Resolved() {
		stats.Failed++
		i.logger.WithError(err).WithField("code_commune", communeCode).Warn("Commune could not be resolved, row dropped")
		return nil, nil
	}
	if commune.Outcome == resolver.Created {
		stats.CommunesCreated++
	}

	propertyType, err := res.ResolvePropertyType(ctx, cols.get(rec, "type_local"))
	if err != nil {
		if !database.IsConstraintViolation(err) {
			return nil, err
		}
		stats.Failed++
		i.logger.WithError(err).WithField("type_local", cols.get(rec, "type_local")).Warn("Property type could not be resolved, row dropped")
		return nil, nil
	}
	if propertyType.Outcome == resolver.Created {
		stats.PropertyTypesCreated++
	}

	t := &models.Transaction{
		MutationDate:   parseDate(rawDate),
		MutationNature: optString(cols.get(rec, "nature_mutation")),
		Price:          parseFloat(cols.get(rec, "valeur_fonciere")),
		StreetNumber:   optString(cols.get(rec, "adresse_numero")),
		StreetSuffix:   optString(cols.get(rec, "adresse_suffixe")),
		StreetName:     optString(cols.get(rec, "adresse_nom_voie")),
		StreetCode:     optString(cols.get(rec, "adresse_code_voie")),
		PostalCode:     optString(cols.get(rec, "code_postal")),
		CommuneID:      commune.ID,
		PropertyTypeID: propertyType.IDPtr(),
		BuiltArea:      parseFloat(cols.get(rec, "surface_reelle_bati")),
		RoomCount:      parseInt(cols.get(rec, "nombre_pieces_principales")),
		LandArea:       parseFloat(cols.get(rec, "surface_terrain")),
	}
	if point != nil {
		lon, lat := point.Lon(), point.Lat()
		t.Longitude, t.Latitude = &lon, &lat
	}
	return t, nil
}
