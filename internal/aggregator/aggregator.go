// Package aggregator computes quarterly price-per-m² aggregates per commune and
// department and nulls the values that are not trustworthy.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/config"
	"homepedia/server/internal/database"
)

// Result holds the row counts of one aggregation run.
type Result struct {
	CommuneRows    int64
	DepartmentRows int64

	CommuneCeilingNulled    int64
	DepartmentCeilingNulled int64
	AnomaliesNulled         int64
}

// Aggregator computes the price aggregates from the transactions table.
type Aggregator struct {
	db     *gorm.DB
	t      config.Thresholds
	logger *logrus.Logger
}

// New creates a new aggregator with the given thresholds.
func New(db *gorm.DB, thresholds config.Thresholds, logger *logrus.Logger) *Aggregator {
	return &Aggregator{db: db, t: thresholds, logger: logger}
}

// Run executes the commune, department and correction passes in order, each in
// its own transaction. A failed pass leaves the earlier ones committed.
func (a *Aggregator) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	start := time.Now()

	n, err := a.CommunePass(ctx)
	if err != nil {
		return res, err
	}
	res.CommuneRows = n

	n, err = a.DepartmentPass(ctx)
	if err != nil {
		return res, err
	}
	res.DepartmentRows = n

	if err := a.CorrectionPass(ctx, res); err != nil {
		return res, err
	}

	a.logger.WithFields(logrus.Fields{
		"commune_rows":               res.CommuneRows,
		"departement_rows":           res.DepartmentRows,
		"commune_ceiling_nulled":     res.CommuneCeilingNulled,
		"departement_ceiling_nulled": res.DepartmentCeilingNulled,
		"anomalies_nulled":           res.AnomaliesNulled,
		"duration":                   time.Since(start).String(),
	}).Info("Price aggregation completed")
	return res, nil
}

// CommunePass rebuilds prix_moyens_communes from the plausible transactions
// and returns the number of groups kept.
func (a *Aggregator) CommunePass(ctx context.Context) (int64, error) {
	var rows int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.Truncate(tx, "prix_moyens_communes"); err != nil {
			return err
		}

		year := database.YearExpr(tx, "date_mutation")
		quarter := database.QuarterExpr(tx, "date_mutation")
		stmt := fmt.Sprintf(`
			INSERT INTO prix_moyens_communes
				(commune_id, type_bien_id, annee, trimestre, prix_moyen_m2, nombre_transactions, date_maj)
			SELECT commune_id, type_bien_id, %[1]s, %[2]s,
				SUM(valeur_fonciere) / SUM(surface_reelle_bati),
				COUNT(*),
				CURRENT_TIMESTAMP
			FROM transactions
			WHERE commune_id IS NOT NULL
				AND type_bien_id IS NOT NULL
				AND date_mutation IS NOT NULL
				AND surface_reelle_bati > ?
				AND valeur_fonciere > ?
				AND valeur_fonciere / surface_reelle_bati < ?
			GROUP BY commune_id, type_bien_id, %[1]s, %[2]s
			HAVING COUNT(*) >= ?`, year, quarter)

		result := tx.Exec(stmt, a.t.MinArea, a.t.MinPrice, a.t.MaxUnitPrice, a.t.MinCommuneTransactions)
		if result.Error != nil {
			return result.Error
		}
		rows = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commune aggregation failed: %w", err)
	}

	a.logger.WithField("rows", rows).Info("Commune price aggregates computed")
	return rows, nil
}

// DepartmentPass rebuilds prix_moyens_departements as the transaction weighted
// mean of the commune aggregates. Communes without department are left out.
func (a *Aggregator) DepartmentPass(ctx context.Context) (int64, error) {
	var rows int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.Truncate(tx, "prix_moyens_departements"); err != nil {
			return err
		}

		result := tx.Exec(`
			INSERT INTO prix_moyens_departements
				(departement_id, type_bien_id, annee, trimestre, prix_moyen_m2, nombre_transactions, date_maj)
			SELECT c.departement_id, p.type_bien_id, p.annee, p.trimestre,
				SUM(p.prix_moyen_m2 * p.nombre_transactions) / SUM(p.nombre_transactions),
				SUM(p.nombre_transactions),
				CURRENT_TIMESTAMP
			FROM prix_moyens_communes p
			JOIN communes c ON c.id = p.commune_id
			WHERE c.departement_id IS NOT NULL
				AND p.prix_moyen_m2 IS NOT NULL
			GROUP BY c.departement_id, p.type_bien_id, p.annee, p.trimestre
			HAVING SUM(p.nombre_transactions) >= ?`, a.t.MinDepartementTransactions)
		if result.Error != nil {
			return result.Error
		}
		rows = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("departement aggregation failed: %w", err)
	}

	a.logger.WithField("rows", rows).Info("Departement price aggregates computed")
	return rows, nil
}

const anomalySQL = `
	UPDATE prix_moyens_communes
	SET prix_moyen_m2 = NULL, date_maj = CURRENT_TIMESTAMP
	WHERE prix_moyen_m2 IS NOT NULL
		AND prix_moyen_m2 > ? * (
			SELECT d.prix_moyen_m2
			FROM prix_moyens_departements d
			JOIN communes c ON c.departement_id = d.departement_id
			WHERE c.id = prix_moyens_communes.commune_id
				AND d.type_bien_id = prix_moyens_communes.type_bien_id
				AND d.annee = prix_moyens_communes.annee
				AND d.trimestre = prix_moyens_communes.trimestre
				AND d.prix_moyen_m2 IS NOT NULL
		)`

// CorrectionPass nulls implausible or weakly backed prices, then commune prices
// above AnomalyFactor times their department's price for the same period.
// Counts are never touched, so the pass can be re-run alone.
func (a *Aggregator) CorrectionPass(ctx context.Context, res *Result) error {
	if res == nil {
		res = &Result{}
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`
			UPDATE prix_moyens_communes
			SET prix_moyen_m2 = NULL, date_maj = CURRENT_TIMESTAMP
			WHERE prix_moyen_m2 IS NOT NULL
				AND (prix_moyen_m2 > ? OR nombre_transactions < ?)`,
			a.t.CommuneCeiling, a.t.CommuneReliableTransactions)
		if result.Error != nil {
			return result.Error
		}
		res.CommuneCeilingNulled = result.RowsAffected

		result = tx.Exec(`
			UPDATE prix_moyens_departements
			SET prix_moyen_m2 = NULL, date_maj = CURRENT_TIMESTAMP
			WHERE prix_moyen_m2 IS NOT NULL
				AND (prix_moyen_m2 > ? OR nombre_transactions < ?)`,
			a.t.DepartementCeiling, a.t.DepartementReliableTransactions)
		if result.Error != nil {
			return result.Error
		}
		res.DepartmentCeilingNulled = result.RowsAffected

		result = tx.Exec(anomalySQL, a.t.AnomalyFactor)
		if result.Error != nil {
			return result.Error
		}
		res.AnomaliesNulled = result.RowsAffected
		return nil
	})
	if err != nil {
		return fmt.Errorf("price correction failed: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"commune_nulled":     res.CommuneCeilingNulled,
		"departement_nulled": res.DepartmentCeilingNulled,
		"anomalies":          res.AnomaliesNulled,
	}).Info("Price corrections applied")
	return nil
}
