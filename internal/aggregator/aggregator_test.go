package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"homepedia/server/config"
	"homepedia/server/internal/database/dbtest"
	"homepedia/server/internal/models"
)

type fixture struct {
	db        *gorm.DB
	dept      models.Department
	communes  map[string]models.Commune
	apartment models.PropertyType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	f := &fixture{db: db, communes: map[string]models.Commune{}}

	f.dept = models.Department{Code: "75", Name: "Paris"}
	require.NoError(t, db.Create(&f.dept).Error)
	for _, code := range []string{"75056", "75101", "75102"} {
		c := models.Commune{InseeCode: code, Name: code, DepartmentID: &f.dept.ID}
		require.NoError(t, db.Create(&c).Error)
		f.communes[code] = c
	}
	orphan := models.Commune{InseeCode: "99999", Name: "Commune 99999"}
	require.NoError(t, db.Create(&orphan).Error)
	f.communes["99999"] = orphan

	f.apartment = models.PropertyType{Code: "APPARTEMENT", Label: "Appartement"}
	require.NoError(t, db.Create(&f.apartment).Error)
	return f
}

func (f *fixture) addTransaction(t *testing.T, commune string, date time.Time, price, area float64) {
	t.Helper()
	tr := models.Transaction{
		CommuneID:      f.communes[commune].ID,
		PropertyTypeID: &f.apartment.ID,
		MutationDate:   &date,
		Price:          &price,
		BuiltArea:      &area,
	}
	require.NoError(t, f.db.Create(&tr).Error)
}

func (f *fixture) addCommuneAggregate(t *testing.T, commune string, price float64, count int) {
	t.Helper()
	row := models.CommunePrice{
		CommuneID:        f.communes[commune].ID,
		PropertyTypeID:   f.apartment.ID,
		Year:             2022,
		Quarter:          1,
		PricePerSqm:      &price,
		TransactionCount: count,
	}
	require.NoError(t, f.db.Create(&row).Error)
}

func newAggregator(f *fixture, thresholds config.Thresholds) *Aggregator {
	logger, _ := test.NewNullLogger()
	return New(f.db, thresholds, logger)
}

var q1 = time.Date(2022, time.February, 15, 0, 0, 0, 0, time.UTC)

func TestCommunePass_SumOverSum(t *testing.T) {
	f := newFixture(t)
	thresholds := config.DefaultThresholds()

	var sumPrice, sumArea float64
	for i := 0; i < 12; i++ {
		price := 200000 + float64(i)*10000
		area := 40 + float64(i)
		f.addTransaction(t, "75056", q1, price, area)
		sumPrice += price
		sumArea += area
	}
	// Filtered out: area not above 9, price not above 10000, unit price at ceiling
	f.addTransaction(t, "75056", q1, 150000, 9)
	f.addTransaction(t, "75056", q1, 10000, 50)
	f.addTransaction(t, "75056", q1, 50000*20, 20)
	// Other quarter, too small a group
	f.addTransaction(t, "75056", time.Date(2022, time.August, 1, 0, 0, 0, 0, time.UTC), 300000, 60)

	rows, err := newAggregator(f, thresholds).CommunePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var agg models.CommunePrice
	require.NoError(t, f.db.First(&agg).Error)
	assert.Equal(t, 2022, agg.Year)
	assert.Equal(t, 1, agg.Quarter)
	assert.Equal(t, 12, agg.TransactionCount)
	require.NotNil(t, agg.PricePerSqm)
	assert.InDelta(t, sumPrice/sumArea, *agg.PricePerSqm, 1e-6)
}

func TestCommunePass_Quarters(t *testing.T) {
	f := newFixture(t)
	thresholds := config.DefaultThresholds()
	thresholds.MinCommuneTransactions = 1

	dates := map[time.Month]int{time.January: 1, time.March: 1, time.April: 2, time.September: 3, time.December: 4}
	for month := range dates {
		f.addTransaction(t, "75101", time.Date(2021, month, 28, 0, 0, 0, 0, time.UTC), 100000, 50)
	}

	_, err := newAggregator(f, thresholds).CommunePass(context.Background())
	require.NoError(t, err)

	var rows []models.CommunePrice
	require.NoError(t, f.db.Order("trimestre").Find(&rows).Error)
	require.Len(t, rows, 4)
	assert.Equal(t, 2, rows[0].TransactionCount, "january and march share the first quarter")
	for i, r := range rows {
		assert.Equal(t, 2021, r.Year)
		assert.Equal(t, i+1, r.Quarter)
	}
}

func TestDepartmentPass_WeightedMean(t *testing.T) {
	f := newFixture(t)
	f.addCommuneAggregate(t, "75056", 10000, 30)
	f.addCommuneAggregate(t, "75101", 12000, 10)
	f.addCommuneAggregate(t, "75102", 8000, 5)
	// No department: excluded from the rollup
	f.addCommuneAggregate(t, "99999", 50000, 100)

	rows, err := newAggregator(f, config.DefaultThresholds()).DepartmentPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var agg models.DepartmentPrice
	require.NoError(t, f.db.First(&agg).Error)
	assert.Equal(t, f.dept.ID, agg.DepartmentID)
	assert.Equal(t, 45, agg.TransactionCount)
	want := (10000.0*30 + 12000*10 + 8000*5) / 45
	assert.InDelta(t, want, *agg.PricePerSqm, 1e-6)
}

func TestDepartmentPass_SplitInvariance(t *testing.T) {
	merged := newFixture(t)
	merged.addCommuneAggregate(t, "75056", 9000, 40)
	merged.addCommuneAggregate(t, "75101", 11000, 20)

	split := newFixture(t)
	split.addCommuneAggregate(t, "75056", 9000, 20)
	split.addCommuneAggregate(t, "75102", 9000, 20)
	split.addCommuneAggregate(t, "75101", 11000, 20)

	var got []float64
	for _, f := range []*fixture{merged, split} {
		_, err := newAggregator(f, config.DefaultThresholds()).DepartmentPass(context.Background())
		require.NoError(t, err)
		var agg models.DepartmentPrice
		require.NoError(t, f.db.First(&agg).Error)
		assert.Equal(t, 60, agg.TransactionCount)
		got = append(got, *agg.PricePerSqm)
	}
	assert.InDelta(t, got[0], got[1], 1e-9)
}

func TestDepartmentPass_MinimumTransactions(t *testing.T) {
	f := newFixture(t)
	f.addCommuneAggregate(t, "75056", 10000, 10)
	f.addCommuneAggregate(t, "75101", 12000, 9)

	rows, err := newAggregator(f, config.DefaultThresholds()).DepartmentPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestCorrectionPass_AnomalySuppression(t *testing.T) {
	f := newFixture(t)
	f.addCommuneAggregate(t, "75056", 4000, 50)
	f.addCommuneAggregate(t, "75101", 4500, 50)
	f.addCommuneAggregate(t, "75102", 12000, 12)
	mean := 4000.0
	require.NoError(t, f.db.Create(&models.DepartmentPrice{
		DepartmentID: f.dept.ID, PropertyTypeID: f.apartment.ID, Year: 2022, Quarter: 1,
		PricePerSqm: &mean, TransactionCount: 112,
	}).Error)

	res := &Result{}
	require.NoError(t, newAggregator(f, config.DefaultThresholds()).CorrectionPass(context.Background(), res))
	assert.Equal(t, int64(1), res.AnomaliesNulled)

	var anomaly models.CommunePrice
	require.NoError(t, f.db.Where("commune_id = ?", f.communes["75102"].ID).First(&anomaly).Error)
	assert.Nil(t, anomaly.PricePerSqm)
	assert.Equal(t, 12, anomaly.TransactionCount)

	var normal models.CommunePrice
	require.NoError(t, f.db.Where("commune_id = ?", f.communes["75101"].ID).First(&normal).Error)
	require.NotNil(t, normal.PricePerSqm)

	// Re-running changes nothing
	again := &Result{}
	require.NoError(t, newAggregator(f, config.DefaultThresholds()).CorrectionPass(context.Background(), again))
	assert.Zero(t, again.AnomaliesNulled)
	assert.Zero(t, again.CommuneCeilingNulled)
}

func TestCorrectionPass_CeilingsAndSampleSize(t *testing.T) {
	f := newFixture(t)
	f.addCommuneAggregate(t, "75056", 26000, 50)
	f.addCommuneAggregate(t, "75101", 5000, 4)
	f.addCommuneAggregate(t, "75102", 5000, 5)
	high, thin := 16000.0, 5000.0
	require.NoError(t, f.db.Create(&models.DepartmentPrice{
		DepartmentID: f.dept.ID, PropertyTypeID: f.apartment.ID, Year: 2022, Quarter: 1,
		PricePerSqm: &high, TransactionCount: 59,
	}).Error)
	require.NoError(t, f.db.Create(&models.DepartmentPrice{
		DepartmentID: f.dept.ID, PropertyTypeID: f.apartment.ID, Year: 2022, Quarter: 2,
		PricePerSqm: &thin, TransactionCount: 9,
	}).Error)

	res := &Result{}
	require.NoError(t, newAggregator(f, config.DefaultThresholds()).CorrectionPass(context.Background(), res))
	assert.Equal(t, int64(2), res.CommuneCeilingNulled)
	assert.Equal(t, int64(2), res.DepartmentCeilingNulled)

	var kept models.CommunePrice
	require.NoError(t, f.db.Where("commune_id = ?", f.communes["75102"].ID).First(&kept).Error)
	assert.NotNil(t, kept.PricePerSqm)

	var rows int64
	require.NoError(t, f.db.Model(&models.CommunePrice{}).Count(&rows).Error)
	assert.Equal(t, int64(3), rows, "rows are nulled, never deleted")
}

func TestRun_EndToEndLowCeiling(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.addTransaction(t, "75056", q1, 500000, 50)
	}

	thresholds := config.DefaultThresholds()
	thresholds.CommuneCeiling = 8000

	res, err := newAggregator(f, thresholds).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CommuneRows)
	assert.Zero(t, res.DepartmentRows)

	var agg models.CommunePrice
	require.NoError(t, f.db.First(&agg).Error)
	assert.Equal(t, 15, agg.TransactionCount)
	assert.Nil(t, agg.PricePerSqm)
}

func TestRun_RecomputesFromScratch(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.addTransaction(t, "75056", q1, 300000, 60)
	}
	agg := newAggregator(f, config.DefaultThresholds())

	for run := 0; run < 2; run++ {
		res, err := agg.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.CommuneRows)
		assert.Equal(t, int64(1), res.DepartmentRows)
	}

	var dept models.DepartmentPrice
	require.NoError(t, f.db.First(&dept).Error)
	assert.Equal(t, 25, dept.TransactionCount)
	assert.InDelta(t, 5000, *dept.PricePerSqm, 1e-6)
}
