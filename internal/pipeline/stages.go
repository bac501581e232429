package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/config"
	"homepedia/server/internal/aggregator"
	"homepedia/server/internal/georegistry"
	"homepedia/server/internal/importer"
)

const (
	StageGeo           = "geo"
	StageTransactions  = "transactions"
	StageSocioEconomic = "socioeco"
	StageAggregation   = "aggregation"
)

// DefaultStages wires the importers and the aggregator:
// geo -> {transactions, socioeco} -> aggregation.
func DefaultStages(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) []Stage {
	geo := importer.NewGeoImporter(db, georegistry.NewClient(cfg, logger), cfg.Transactions.BatchSize, logger)
	transactions := importer.NewTransactionImporter(db, cfg, logger)
	socio := importer.NewSocioEconomicImporter(db, cfg, logger)
	agg := aggregator.New(db, cfg.Aggregation, logger)

	return []Stage{
		{
			Name: StageGeo,
			Run: func(ctx context.Context) (Counters, error) {
				s, err := geo.Import(ctx)
				if err != nil {
					return nil, err
				}
				return Counters{
					"regions":           int64(s.Regions),
					"departements":      int64(s.Departments),
					"communes":          int64(s.Communes),
					"communes_skipped":  int64(s.CommunesSkipped),
					"fallback_catalogs": int64(len(s.Fallback)),
				}, nil
			},
		},
		{
			Name:  StageTransactions,
			After: []string{StageGeo},
			Run: func(ctx context.Context) (Counters, error) {
				s, err := transactions.Import(ctx)
				if s == nil {
					return nil, err
				}
				return Counters{
					"read":                   int64(s.Read),
					"imported":               int64(s.Imported),
					"skipped":                int64(s.Skipped),
					"failed":                 int64(s.Failed),
					"communes_created":       int64(s.CommunesCreated),
					"property_types_created": int64(s.PropertyTypesCreated),
					"batches":                int64(s.Batches),
				}, err
			},
		},
		{
			Name:  StageSocioEconomic,
			After: []string{StageGeo},
			Run: func(ctx context.Context) (Counters, error) {
				s, err := socio.Import(ctx)
				if s == nil {
					return nil, err
				}
				return Counters{
					"income_inserted":      int64(s.IncomeInserted),
					"income_existing":      int64(s.IncomeExisting),
					"income_unresolved":    int64(s.IncomeUnresolved),
					"education_inserted":   int64(s.EducationInserted),
					"education_existing":   int64(s.EducationExisting),
					"education_unresolved": int64(s.EducationUnresolved),
				}, err
			},
		},
		{
			Name:  StageAggregation,
			After: []string{StageTransactions, StageSocioEconomic},
			Run: func(ctx context.Context) (Counters, error) {
				r, err := agg.Run(ctx)
				if r == nil {
					return nil, err
				}
				return Counters{
					"commune_rows":               r.CommuneRows,
					"departement_rows":           r.DepartmentRows,
					"commune_ceiling_nulled":     r.CommuneCeilingNulled,
					"departement_ceiling_nulled": r.DepartmentCeilingNulled,
					"anomalies_nulled":           r.AnomaliesNulled,
				}, err
			},
		},
	}
}
