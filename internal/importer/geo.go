package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/internal/database"
	"homepedia/server/internal/georegistry"
	"homepedia/server/internal/models"
	"homepedia/server/internal/processor"
	"homepedia/server/internal/resolver"
)

// CatalogSource provides the geographic registry lists.
type CatalogSource interface {
	Catalog(ctx context.Context) (*georegistry.Catalog, error)
}

// GeoStats counts the rows written per level by a geographic import.
type GeoStats struct {
	Regions           int
	Departments       int
	Communes          int
	CommunesSkipped   int
	OrphanDepartments int
	OrphanCommunes    int
	Fallback          []string
}

// GeoImporter replaces the region, department and commune tables with the
// registry content and rolls population and area up the hierarchy.
type GeoImporter struct {
	db        *gorm.DB
	source    CatalogSource
	batchSize int
	logger    *logrus.Logger
}

// NewGeoImporter creates a geographic importer reading from source.
func NewGeoImporter(db *gorm.DB, source CatalogSource, batchSize int, logger *logrus.Logger) *GeoImporter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if batchSize > processor.MaxBatchSize {
		batchSize = processor.MaxBatchSize
	}
	return &GeoImporter{
		db:        db,
		source:    source,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Import runs region, department, commune and rollup steps, each in its own
// transaction and in that order.
func (g *GeoImporter) Import(ctx context.Context) (*GeoStats, error) {
	cat, err := g.source.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load geographic catalog: %w", err)
	}
	stats := &GeoStats{Fallback: cat.Fallback}
	db := g.db.WithContext(ctx)

	if err := db.Transaction(func(tx *gorm.DB) error {
		return g.importRegions(tx, cat.Regions, stats)
	}); err != nil {
		return nil, fmt.Errorf("failed to import regions: %w", err)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return g.importDepartments(ctx, tx, cat.Departments, stats)
	}); err != nil {
		return nil, fmt.Errorf("failed to import departements: %w", err)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return g.importCommunes(ctx, tx, cat.Communes, stats)
	}); err != nil {
		return nil, fmt.Errorf("failed to import communes: %w", err)
	}

	if err := db.Transaction(rollup); err != nil {
		return nil, fmt.Errorf("failed to roll up population and area: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"regions":      stats.Regions,
		"departements": stats.Departments,
		"communes":     stats.Communes,
		"skipped":      stats.CommunesSkipped,
	}).Info("Geographic import completed")
	return stats, nil
}

func (g *GeoImporter) importRegions(tx *gorm.DB, regions []georegistry.Region, stats *GeoStats) error {
	if err := database.Truncate(tx, "regions"); err != nil {
		return err
	}

	rows := make([]models.Region, 0, len(regions))
	for _, r := range regions {
		rows = append(rows, models.Region{Code: strings.TrimSpace(r.Code), Name: r.Name})
	}
	if len(rows) > 0 {
		if err := tx.CreateInBatches(&rows, g.batchSize).Error; err != nil {
			return err
		}
	}
	stats.Regions = len(rows)
	g.logger.WithField("count", len(rows)).Info("Imported regions")
	return nil
}

func (g *GeoImporter) importDepartments(ctx context.Context, tx *gorm.DB, departments []georegistry.Department, stats *GeoStats) error {
	if err := database.Truncate(tx, "departements"); err != nil {
		return err
	}

	res := resolver.New(tx, g.logger)
	rows := make([]models.Department, 0, len(departments))
	for _, d := range departments {
		region, err := res.LookupRegion(ctx, d.RegionCode)
		if err != nil {
			return err
		}
		if !region.Resolved() {
			stats.OrphanDepartments++
			g.logger.WithFields(logrus.Fields{
				"departement": d.Code,
				"region":      d.RegionCode,
			}).Warn("Region not found, importing department without region")
		}
		rows = append(rows, models.Department{
			Code:     strings.ToUpper(strings.TrimSpace(d.Code)),
			Name:     d.Name,
			RegionID: region.IDPtr(),
		})
	}
	if len(rows) > 0 {
		if err := tx.CreateInBatches(&rows, g.batchSize).Error; err != nil {
			return err
		}
	}
	stats.Departments = len(rows)
	g.logger.WithField("count", len(rows)).Info("Imported departements")
	return nil
}

func (g *GeoImporter) importCommunes(ctx context.Context, tx *gorm.DB, communes []georegistry.Commune, stats *GeoStats) error {
	if err := database.Truncate(tx, "communes"); err != nil {
		return err
	}

	res := resolver.New(tx, g.logger)
	batch := make([]models.Commune, 0, g.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		stats.Communes += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, c := range communes {
		if err := ctx.Err(); err != nil {
			return err
		}

		insee, ok := resolver.NormalizeInseeCode(c.Code)
		if !ok || strings.TrimSpace(c.DepartmentCode) == "" {
			stats.CommunesSkipped++
			g.logger.WithField("code_insee", c.Code).Warn("Commune without code or department, skipped")
			continue
		}

		dept, err := res.LookupDepartment(ctx, c.DepartmentCode)
		if err != nil {
			return err
		}
		if !dept.Resolved() {
			stats.OrphanCommunes++
			g.logger.WithFields(logrus.Fields{
				"code_insee":  insee,
				"departement": c.DepartmentCode,
			}).Warn("Department not found, importing commune without department")
		}

		row := models.Commune{
			InseeCode:    insee,
			Name:         c.Name,
			DepartmentID: dept.IDPtr(),
			Population:   c.Population,
		}
		if len(c.PostalCodes) > 0 {
			pc := c.PostalCodes[0]
			row.PostalCode = &pc
		}
		if p, ok := c.Centroid(); ok {
			lon, lat := p.Lon(), p.Lat()
			row.Longitude = &lon
			row.Latitude = &lat
		}
		if c.Surface != nil {
			km2 := *c.Surface / 100
			row.Area = &km2
		}

		batch = append(batch, row)
		if len(batch) >= g.batchSize {
			if err := flush(); err != nil {
				return err
			}
			g.logger.WithField("count", stats.Communes).Debug("Communes imported so far")
		}
	}
	if err := flush(); err != nil {
		return err
	}

	g.logger.WithField("count", stats.Communes).Info("Imported communes")
	return nil
}

// rollupStatements set a parent field to the sum of its non-null children,
// leaving parents without any non-null child untouched.
var rollupStatements = []string{
	rollupSQL("departements", "communes", "departement_id", "population"),
	rollupSQL("departements", "communes", "departement_id", "superficie"),
	rollupSQL("regions", "departements", "region_id", "population"),
	rollupSQL("regions", "departements", "region_id", "superficie"),
}

func rollupSQL(parent, child, fk, column string) string {
	children := fmt.Sprintf("FROM %s c WHERE c.%s = %s.id AND c.%s IS NOT NULL", child, fk, parent, column)
	return fmt.Sprintf("UPDATE %s SET %s = (SELECT SUM(c.%s) %s) WHERE EXISTS (SELECT 1 %s)",
		parent, column, column, children, children)
}

func rollup(tx *gorm.DB) error {
	for _, stmt := range rollupStatements {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
