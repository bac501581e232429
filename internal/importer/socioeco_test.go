package importer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"homepedia/server/config"
	"homepedia/server/internal/database/dbtest"
	"homepedia/server/internal/models"
)

const incomeCSV = "CODGEO;NBMENFISC18;MED18;TP6018\n" +
	"75056;1000000;28570;15,2\n" +
	"69123;250000;23710,5;s\n" +
	"13055;400000;20000;25\n" +
	"75056;1000000;99999;1\n"

const educationCSV = "code_commune,type_etablissement,nom\n" +
	"75056,Ecole,Ecole Jules Ferry\n" +
	"75056,École,Ecole du Centre\n" +
	"75056,Collège,College Victor Hugo\n" +
	"75056,Lycée,Lycee Henri IV\n" +
	"75056,Enseignement SUPérieur,Universite\n" +
	"69123,Collège,College Ampere\n" +
	"13055,Ecole,Ecole du Port\n" +
	",Ecole,Sans commune\n"

func seedSocioCommunes(t *testing.T, db *gorm.DB) map[string]uint {
	t.Helper()
	ids := map[string]uint{}
	for _, c := range []models.Commune{{InseeCode: "75056", Name: "Paris"}, {InseeCode: "69123", Name: "Lyon"}} {
		c := c
		require.NoError(t, db.Create(&c).Error)
		ids[c.InseeCode] = c.ID
	}
	return ids
}

func socioConfig(incomeURL, educationURL string) *config.Config {
	cfg := &config.Config{HTTPTimeout: 10 * time.Second}
	cfg.SocioEconomic.IncomeURL = incomeURL
	cfg.SocioEconomic.IncomeYear = 2017
	cfg.SocioEconomic.EducationURL = educationURL
	cfg.SocioEconomic.EducationYear = 2023
	cfg.SocioEconomic.EducationSeparator = ","
	return cfg
}

func zipped(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("README.txt")
	require.NoError(t, err)
	w.Write([]byte("not data"))
	w, err = zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func socioServer(t *testing.T, income []byte, education []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/income", func(w http.ResponseWriter, r *http.Request) { w.Write(income) })
	mux.HandleFunc("/education", func(w http.ResponseWriter, r *http.Request) { w.Write(education) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSocioEconomicImporter_Import(t *testing.T) {
	db := dbtest.New(t)
	ids := seedSocioCommunes(t, db)
	logger, _ := test.NewNullLogger()
	srv := socioServer(t, zipped(t, "FILO2018_COM.csv", incomeCSV), []byte(educationCSV))

	stats, err := NewSocioEconomicImporter(db, socioConfig(srv.URL+"/income", srv.URL+"/education"), logger).Import(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.IncomeRows)
	assert.Equal(t, 1, stats.IncomeUnresolved)
	assert.Equal(t, 2, stats.IncomeInserted)
	assert.Equal(t, 1, stats.IncomeExisting, "duplicate code in the same feed keeps the first value")

	var paris models.EconomicIndicator
	require.NoError(t, db.Where("commune_id = ?", ids["75056"]).First(&paris).Error)
	assert.Equal(t, 2018, paris.Year, "year taken from the MED18 column")
	assert.InDelta(t, 28570, *paris.MedianIncome, 1e-9)
	assert.InDelta(t, 15.2, *paris.PovertyRate, 1e-9)

	var lyon models.EconomicIndicator
	require.NoError(t, db.Where("commune_id = ?", ids["69123"]).First(&lyon).Error)
	assert.InDelta(t, 23710.5, *lyon.MedianIncome, 1e-9)
	assert.Nil(t, lyon.PovertyRate)

	assert.Equal(t, 3, stats.EducationCommunes)
	assert.Equal(t, 2, stats.EducationInserted)
	assert.Equal(t, 1, stats.EducationUnresolved)

	var edu models.EducationIndicator
	require.NoError(t, db.Where("commune_id = ?", ids["75056"]).First(&edu).Error)
	assert.Equal(t, 2023, edu.Year)
	assert.Equal(t, 2, edu.PrimarySchools)
	assert.Equal(t, 1, edu.MiddleSchools)
	assert.Equal(t, 1, edu.HighSchools)
	assert.Equal(t, 1, edu.Universities)
}

func TestSocioEconomicImporter_Idempotent(t *testing.T) {
	db := dbtest.New(t)
	seedSocioCommunes(t, db)
	logger, _ := test.NewNullLogger()
	srv := socioServer(t, []byte(incomeCSV), []byte(educationCSV))
	importer := NewSocioEconomicImporter(db, socioConfig(srv.URL+"/income", srv.URL+"/education"), logger)

	_, err := importer.Import(context.Background())
	require.NoError(t, err)
	var firstEco []models.EconomicIndicator
	var firstEdu []models.EducationIndicator
	require.NoError(t, db.Order("id").Find(&firstEco).Error)
	require.NoError(t, db.Order("id").Find(&firstEdu).Error)

	stats, err := importer.Import(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.IncomeInserted)
	assert.Zero(t, stats.EducationInserted)

	var eco []models.EconomicIndicator
	var edu []models.EducationIndicator
	require.NoError(t, db.Order("id").Find(&eco).Error)
	require.NoError(t, db.Order("id").Find(&edu).Error)
	assert.Equal(t, firstEco, eco)
	assert.Equal(t, firstEdu, edu)
}

func TestSocioEconomicImporter_NeverOverwrites(t *testing.T) {
	db := dbtest.New(t)
	ids := seedSocioCommunes(t, db)
	logger, _ := test.NewNullLogger()

	prior := 1.0
	require.NoError(t, db.Create(&models.EconomicIndicator{CommuneID: ids["75056"], Year: 2018, MedianIncome: &prior}).Error)

	importer := NewSocioEconomicImporter(db, socioConfig("", ""), logger)
	stats := &SocioStats{}
	require.NoError(t, importer.ImportIncomeCSV(context.Background(), strings.NewReader(incomeCSV), stats))

	var paris models.EconomicIndicator
	require.NoError(t, db.Where("commune_id = ? AND annee = ?", ids["75056"], 2018).First(&paris).Error)
	assert.InDelta(t, 1.0, *paris.MedianIncome, 1e-9)

	// Communes are never created
	var n int64
	require.NoError(t, db.Model(&models.Commune{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestSocioEconomicImporter_ArchiveWithoutCSV(t *testing.T) {
	db := dbtest.New(t)
	logger, _ := test.NewNullLogger()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("notes.txt")
	require.NoError(t, err)
	w.Write([]byte("nothing"))
	require.NoError(t, zw.Close())

	srv := socioServer(t, buf.Bytes(), nil)
	err = NewSocioEconomicImporter(db, socioConfig(srv.URL+"/income", ""), logger).ImportIncome(context.Background(), &SocioStats{})
	require.ErrorIs(t, err, ErrNoCSV)
}

func TestReadIncomeHeader_DefaultYear(t *testing.T) {
	cols, err := readIncomeHeader([]string{"CODGEO", "MEDIANE", "TP60"}, 2017)
	require.NoError(t, err)
	assert.Equal(t, 2017, cols.year)

	_, err = readIncomeHeader([]string{"CODE", "MED18"}, 2017)
	require.ErrorIs(t, err, ErrMissingColumn)
}
