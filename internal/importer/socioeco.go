package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"homepedia/server/config"
	"homepedia/server/internal/models"
	"homepedia/server/internal/resolver"
)

const socioChunkSize = 500

// SocioStats counts the income and education rows read, inserted and skipped.
type SocioStats struct {
	IncomeRows       int
	IncomeInserted   int
	IncomeExisting   int
	IncomeUnresolved int

	EducationRows       int
	EducationCommunes   int
	EducationInserted   int
	EducationExisting   int
	EducationUnresolved int
}

// SocioEconomicImporter loads income and education indicators for existing
// communes. Rows already present for a (commune, year) are left untouched.
type SocioEconomicImporter struct {
	db     *gorm.DB
	client *http.Client
	logger *logrus.Logger

	incomeURL          string
	incomeYear         int
	educationURL       string
	educationYear      int
	educationSeparator rune
}

// NewSocioEconomicImporter creates a socio-economic importer for the configured feeds.
func NewSocioEconomicImporter(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) *SocioEconomicImporter {
	sep := ','
	if s := cfg.SocioEconomic.EducationSeparator; s != "" {
		sep = []rune(s)[0]
	}
	return &SocioEconomicImporter{
		db:                 db,
		client:             &http.Client{Timeout: cfg.HTTPTimeout},
		logger:             logger,
		incomeURL:          cfg.SocioEconomic.IncomeURL,
		incomeYear:         cfg.SocioEconomic.IncomeYear,
		educationURL:       cfg.SocioEconomic.EducationURL,
		educationYear:      cfg.SocioEconomic.EducationYear,
		educationSeparator: sep,
	}
}

// Import loads the income feed, then the education feed.
func (s *SocioEconomicImporter) Import(ctx context.Context) (*SocioStats, error) {
	stats := &SocioStats{}
	if err := s.ImportIncome(ctx, stats); err != nil {
		return stats, fmt.Errorf("income import failed: %w", err)
	}
	if err := s.ImportEducation(ctx, stats); err != nil {
		return stats, fmt.Errorf("education import failed: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"income_inserted":      stats.IncomeInserted,
		"income_existing":      stats.IncomeExisting,
		"income_unresolved":    stats.IncomeUnresolved,
		"education_inserted":   stats.EducationInserted,
		"education_existing":   stats.EducationExisting,
		"education_unresolved": stats.EducationUnresolved,
	}).Info("Socio-economic import completed")
	return stats, nil
}

// ImportIncome loads the income feed, either a zip archive holding a CSV file or a plain CSV.
func (s *SocioEconomicImporter) ImportIncome(ctx context.Context, stats *SocioStats) error {
	body, err := openFeed(ctx, s.client, s.incomeURL, s.logger)
	if err != nil {
		return err
	}
	defer body.Close()

	br := bufio.NewReader(body)
	magic, _ := br.Peek(4)
	if len(magic) == 4 && string(magic) == "PK\x03\x04" {
		return s.importIncomeArchive(ctx, br, stats)
	}
	return s.ImportIncomeCSV(ctx, br, stats)
}

// importIncomeArchive spools the archive to a temporary file, zip needing random access.
func (s *SocioEconomicImporter) importIncomeArchive(ctx context.Context, r io.Reader, stats *SocioStats) error {
	tmp, err := os.CreateTemp("", "income-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}

	archive, err := zip.NewReader(tmp, size)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	for _, f := range archive.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		s.logger.WithField("entry", f.Name).Info("Reading income file from archive")
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		defer rc.Close()
		return s.ImportIncomeCSV(ctx, rc, stats)
	}
	return ErrNoCSV
}

type incomeColumns struct {
	code, median, poverty int
	year                  int
}

func readIncomeHeader(header []string, defaultYear int) (incomeColumns, error) {
	cols := incomeColumns{code: -1, median: -1, poverty: -1, year: defaultYear}
	suffix := ""
	for idx, name := range header {
		name = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		switch {
		case name == "CODGEO":
			cols.code = idx
		case strings.HasPrefix(name, "MED") && cols.median < 0:
			cols.median = idx
			suffix = strings.TrimPrefix(name, "MED")
		case strings.HasPrefix(name, "TP60") && cols.poverty < 0:
			cols.poverty = idx
		}
	}
	if cols.code < 0 {
		return cols, fmt.Errorf("%w: CODGEO", ErrMissingColumn)
	}
	if cols.median < 0 {
		return cols, fmt.Errorf("%w: MED", ErrMissingColumn)
	}
	// MED18 -> 2018
	if n, err := strconv.Atoi(suffix); err == nil && len(suffix) == 2 {
		cols.year = 2000 + n
	}
	return cols, nil
}

// ImportIncomeCSV reads a ';' separated income file.
func (s *SocioEconomicImporter) ImportIncomeCSV(ctx context.Context, r io.Reader, stats *SocioStats) error {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read income header: %w", err)
	}
	cols, err := readIncomeHeader(header, s.incomeYear)
	if err != nil {
		return err
	}

	res := resolver.New(s.db, s.logger)
	chunk := make([]models.EconomicIndicator, 0, socioChunkSize)
	flush := func() error {
		inserted, err := insertDoNothing(ctx, s.db, &chunk, len(chunk))
		if err != nil {
			return err
		}
		stats.IncomeInserted += inserted
		stats.IncomeExisting += len(chunk) - inserted
		chunk = chunk[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				s.logger.WithError(err).Warn("Malformed income line skipped")
				continue
			}
			return fmt.Errorf("failed to read income feed: %w", err)
		}
		stats.IncomeRows++

		code := field(rec, cols.code)
		commune, err := res.LookupCommune(ctx, code)
		if err != nil {
			return err
		}
		if !commune.Resolved() {
			stats.IncomeUnresolved++
			s.logger.WithField("code_insee", code).Debug("Commune not found, income row skipped")
			continue
		}

		chunk = append(chunk, models.EconomicIndicator{
			CommuneID:    commune.ID,
			Year:         cols.year,
			MedianIncome: parseFloat(field(rec, cols.median)),
			PovertyRate:  parseFloat(field(rec, cols.poverty)),
		})
		if len(chunk) >= socioChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"rows":       stats.IncomeRows,
		"inserted":   stats.IncomeInserted,
		"unresolved": stats.IncomeUnresolved,
		"annee":      cols.year,
	}).Info("Income indicators imported")
	return nil
}

type schoolCounts struct {
	primary, middle, high, university int
}

func (c *schoolCounts) count(label string) {
	label = resolver.FoldLabel(label)
	switch {
	case strings.Contains(label, "ECOLE"):
		c.primary++
	case strings.Contains(label, "COLLEGE"):
		c.middle++
	case strings.Contains(label, "LYCEE"):
		c.high++
	case strings.Contains(label, "UNIVERSITE"), strings.Contains(label, "SUP"):
		c.university++
	}
}

// ImportEducation downloads and imports the education feed.
func (s *SocioEconomicImporter) ImportEducation(ctx context.Context, stats *SocioStats) error {
	body, err := openFeed(ctx, s.client, s.educationURL, s.logger)
	if err != nil {
		return err
	}
	feed, err := maybeGunzip(body)
	if err != nil {
		return err
	}
	defer feed.Close()

	return s.ImportEducationCSV(ctx, feed, stats)
}

// ImportEducationCSV counts establishments per commune and level, then stores
// one row per commune for the configured year.
func (s *SocioEconomicImporter) ImportEducationCSV(ctx context.Context, r io.Reader, stats *SocioStats) error {
	reader := csv.NewReader(r)
	reader.Comma = s.educationSeparator
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read education header: %w", err)
	}
	codeIdx, typeIdx := -1, -1
	for idx, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "code_commune":
			codeIdx = idx
		case "type_etablissement":
			typeIdx = idx
		}
	}
	if codeIdx < 0 || typeIdx < 0 {
		return fmt.Errorf("%w: code_commune, type_etablissement", ErrMissingColumn)
	}

	counts := make(map[string]*schoolCounts)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return fmt.Errorf("failed to read education feed: %w", err)
		}
		stats.EducationRows++

		code, ok := resolver.NormalizeInseeCode(field(rec, codeIdx))
		label := field(rec, typeIdx)
		if !ok || strings.TrimSpace(label) == "" {
			continue
		}
		c, exists := counts[code]
		if !exists {
			c = &schoolCounts{}
			counts[code] = c
		}
		c.count(label)
	}
	stats.EducationCommunes = len(counts)

	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	res := resolver.New(s.db, s.logger)
	chunk := make([]models.EducationIndicator, 0, socioChunkSize)
	flush := func() error {
		inserted, err := insertDoNothing(ctx, s.db, &chunk, len(chunk))
		if err != nil {
			return err
		}
		stats.EducationInserted += inserted
		stats.EducationExisting += len(chunk) - inserted
		chunk = chunk[:0]
		return nil
	}

	for _, code := range codes {
		commune, err := res.LookupCommune(ctx, code)
		if err != nil {
			return err
		}
		if !commune.Resolved() {
			stats.EducationUnresolved++
			s.logger.WithField("code_insee", code).Debug("Commune not found, education counts skipped")
			continue
		}
		c := counts[code]
		chunk = append(chunk, models.EducationIndicator{
			CommuneID:      commune.ID,
			Year:           s.educationYear,
			PrimarySchools: c.primary,
			MiddleSchools:  c.middle,
			HighSchools:    c.high,
			Universities:   c.university,
		})
		if len(chunk) >= socioChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"communes":   stats.EducationCommunes,
		"inserted":   stats.EducationInserted,
		"unresolved": stats.EducationUnresolved,
		"annee":      s.educationYear,
	}).Info("Education indicators imported")
	return nil
}

// insertDoNothing inserts rows in their own transaction, ignoring rows whose
// (commune_id, annee) already exists, and returns how many were inserted.
func insertDoNothing(ctx context.Context, db *gorm.DB, rows interface{}, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	var inserted int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "commune_id"}, {Name: "annee"}},
			DoNothing: true,
		}).Create(rows)
		inserted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert indicators: %w", err)
	}
	return int(inserted), nil
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}
