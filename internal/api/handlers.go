package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/internal/database/query"
	"homepedia/server/internal/resolver"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handler serves the read-only statistics endpoints.
type Handler struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewHandler creates a new handler instance.
func NewHandler(db *gorm.DB, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Handler{db: db, logger: logger}
}

// CommunePriceRow is one commune aggregate as returned by the API.
type CommunePriceRow struct {
	CodeInsee          string   `gorm:"column:code_insee" json:"code_insee"`
	Commune            string   `gorm:"column:commune" json:"commune"`
	Departement        *string  `gorm:"column:departement" json:"departement"`
	TypeBien           string   `gorm:"column:type_bien" json:"type_bien"`
	Annee              int      `gorm:"column:annee" json:"annee"`
	Trimestre          int      `gorm:"column:trimestre" json:"trimestre"`
	PrixMoyenM2        *float64 `gorm:"column:prix_moyen_m2" json:"prix_moyen_m2"`
	NombreTransactions int      `gorm:"column:nombre_transactions" json:"nombre_transactions"`
}

// DepartementPriceRow is one department aggregate as returned by the API.
type DepartementPriceRow struct {
	Departement        string   `gorm:"column:departement" json:"departement"`
	Nom                string   `gorm:"column:nom" json:"nom"`
	Region             *string  `gorm:"column:region" json:"region"`
	TypeBien           string   `gorm:"column:type_bien" json:"type_bien"`
	Annee              int      `gorm:"column:annee" json:"annee"`
	Trimestre          int      `gorm:"column:trimestre" json:"trimestre"`
	PrixMoyenM2        *float64 `gorm:"column:prix_moyen_m2" json:"prix_moyen_m2"`
	NombreTransactions int      `gorm:"column:nombre_transactions" json:"nombre_transactions"`
}

var communeFilters = []query.Filter{
	{Param: "departement", Column: "d.code", Kind: query.List},
	{Param: "commune", Column: "c.code_insee", Kind: query.List},
	{Param: "type_bien", Column: "t.code", Kind: query.String},
	{Param: "annee", Column: "p.annee", Kind: query.Int},
	{Param: "trimestre", Column: "p.trimestre", Kind: query.Int},
}

var departementFilters = []query.Filter{
	{Param: "region", Column: "r.code", Kind: query.List},
	{Param: "departement", Column: "d.code", Kind: query.List},
	{Param: "type_bien", Column: "t.code", Kind: query.String},
	{Param: "annee", Column: "p.annee", Kind: query.Int},
	{Param: "trimestre", Column: "p.trimestre", Kind: query.Int},
}

// filterParams collects the request values named by filters. Property types are
// matched on their normalized code so labels work as well.
func filterParams(c *gin.Context, filters []query.Filter) map[string]string {
	params := make(map[string]string, len(filters))
	for _, f := range filters {
		params[f.Param] = c.Query(f.Param)
	}
	if v := params["type_bien"]; v != "" {
		params["type_bien"] = resolver.PropertyTypeCode(v)
	}
	return params
}

func parseLimit(c *gin.Context) (int, error) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid value for limit: %q", c.Query("limit"))
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

// Health reports whether the database answers.
func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		h.logger.WithError(err).Error("Database ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetCommunePrices lists commune aggregates, most recent period first.
func (h *Handler) GetCommunePrices(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wb := query.NewWhereBuilder()
	if err := query.Apply(wb, communeFilters, filterParams(c, communeFilters)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	where, args := wb.Build()

	rows := []CommunePriceRow{}
	err = h.db.WithContext(c.Request.Context()).Raw(fmt.Sprintf(`
		SELECT c.code_insee, c.nom AS commune, d.code AS departement, t.libelle AS type_bien,
			p.annee, p.trimestre, p.prix_moyen_m2, p.nombre_transactions
		FROM prix_moyens_communes p
		JOIN communes c ON c.id = p.commune_id
		LEFT JOIN departements d ON d.id = c.departement_id
		JOIN types_bien t ON t.id = p.type_bien_id
		WHERE %s
		ORDER BY p.annee DESC, p.trimestre DESC, c.code_insee, t.libelle
		LIMIT ?`, where), append(args, limit)...).Scan(&rows).Error
	if err != nil {
		h.logger.WithError(err).Error("Failed to get commune prices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get commune prices"})
		return
	}

	c.JSON(http.StatusOK, rows)
}

// GetDepartementPrices lists department aggregates, most recent period first.
func (h *Handler) GetDepartementPrices(c *gin.Context) {
	wb := query.NewWhereBuilder()
	if err := query.Apply(wb, departementFilters, filterParams(c, departementFilters)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	where, args := wb.Build()

	rows := []DepartementPriceRow{}
	err := h.db.WithContext(c.Request.Context()).Raw(fmt.Sprintf(`
		SELECT d.code AS departement, d.nom, r.code AS region, t.libelle AS type_bien,
			p.annee, p.trimestre, p.prix_moyen_m2, p.nombre_transactions
		FROM prix_moyens_departements p
		JOIN departements d ON d.id = p.departement_id
		LEFT JOIN regions r ON r.id = d.region_id
		JOIN types_bien t ON t.id = p.type_bien_id
		WHERE %s
		ORDER BY p.annee DESC, p.trimestre DESC, d.code, t.libelle`, where), args...).Scan(&rows).Error
	if err != nil {
		h.logger.WithError(err).Error("Failed to get departement prices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get departement prices"})
		return
	}

	c.JSON(http.StatusOK, rows)
}
