// Package resolver maps external geographic and property-type codes to surrogate ids,
// creating missing communes and property types on demand.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/internal/database"
	"homepedia/server/internal/models"
)

// Outcome tells how a code was resolved.
type Outcome int

const (
	Unresolvable Outcome = iota
	Found
	Created
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Created:
		return "created"
	default:
		return "unresolvable"
	}
}

// Resolution is the result of resolving an external code. ID is zero when
// the outcome is Unresolvable.
type Resolution struct {
	ID      uint
	Outcome Outcome
}

func (r Resolution) Resolved() bool {
	return r.Outcome != Unresolvable
}

// IDPtr returns the id as a nullable foreign key value.
func (r Resolution) IDPtr() *uint {
	if !r.Resolved() {
		return nil
	}
	id := r.ID
	return &id
}

// CommuneRef carries what a feed row knows about a commune.
type CommuneRef struct {
	InseeCode  string
	Name       string
	PostalCode string
	Latitude   *float64
	Longitude  *float64
}

// Resolver resolves codes against db, which may be a transaction.
// Results are cached for the lifetime of the Resolver.
type Resolver struct {
	db     *gorm.DB
	logger *logrus.Logger

	regions       map[string]Resolution
	departments   map[string]Resolution
	communes      map[string]Resolution
	propertyTypes map[string]Resolution
}

// New creates a resolver working on db.
func New(db *gorm.DB, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		db:            db,
		logger:        logger,
		regions:       make(map[string]Resolution),
		departments:   make(map[string]Resolution),
		communes:      make(map[string]Resolution),
		propertyTypes: make(map[string]Resolution),
	}
}

// LookupRegion finds a region by code without ever creating it.
func (r *Resolver) LookupRegion(ctx context.Context, code string) (Resolution, error) {
	return r.lookup(ctx, r.regions, &models.Region{}, "code = ?", strings.TrimSpace(code))
}

// LookupDepartment finds a department by code without ever creating it.
func (r *Resolver) LookupDepartment(ctx context.Context, code string) (Resolution, error) {
	return r.lookup(ctx, r.departments, &models.Department{}, "code = ?", strings.ToUpper(strings.TrimSpace(code)))
}

// LookupCommune finds a commune by INSEE code without ever creating it.
func (r *Resolver) LookupCommune(ctx context.Context, code string) (Resolution, error) {
	insee, ok := NormalizeInseeCode(code)
	if !ok {
		return Resolution{}, nil
	}
	return r.lookup(ctx, r.communes, &models.Commune{}, "code_insee = ?", insee)
}

func (r *Resolver) lookup(ctx context.Context, cache map[string]Resolution, model interface{}, where string, code string) (Resolution, error) {
	if code == "" {
		return Resolution{}, nil
	}
	if res, ok := cache[code]; ok {
		return res, nil
	}

	var id uint
	err := r.db.WithContext(ctx).Model(model).Select("id").Where(where, code).Limit(1).Scan(&id).Error
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to look up code %q: %w", code, err)
	}

	res := Resolution{}
	if id != 0 {
		res = Resolution{ID: id, Outcome: Found}
	}
	cache[code] = res
	return res, nil
}

// ResolveCommune returns the commune matching ref.InseeCode, creating it from ref
// when absent. The new commune is linked to the department derived from its code;
// when that department is unknown the link is left null.
func (r *Resolver) ResolveCommune(ctx context.Context, ref CommuneRef) (Resolution, error) {
	insee, ok := NormalizeInseeCode(ref.InseeCode)
	if !ok {
		return Resolution{}, nil
	}

	res, err := r.LookupCommune(ctx, insee)
	if err != nil || res.Resolved() {
		return res, err
	}

	deptCode := DepartmentCodeOf(insee)
	dept, err := r.LookupDepartment(ctx, deptCode)
	if err != nil {
		return Resolution{}, err
	}
	if !dept.Resolved() {
		r.logger.WithFields(logrus.Fields{
			"code_insee":  insee,
			"departement": deptCode,
		}).Warn("Department not found, creating commune without department")
	}

	name := strings.TrimSpace(ref.Name)
	if name == "" {
		name = "Commune " + insee
	}
	commune := models.Commune{
		InseeCode:    insee,
		Name:         name,
		DepartmentID: dept.IDPtr(),
		Latitude:     ref.Latitude,
		Longitude:    ref.Longitude,
	}
	if pc := strings.TrimSpace(ref.PostalCode); pc != "" {
		commune.PostalCode = &pc
	}

	created, err := r.create(ctx, &commune, func() uint { return commune.ID })
	if err != nil {
		if !database.IsConstraintViolation(err) {
			return Resolution{}, fmt.Errorf("failed to create commune %s: %w", insee, err)
		}
		// Someone else inserted it first
		delete(r.communes, insee)
		return r.LookupCommune(ctx, insee)
	}

	// Later lookups in this run see an existing commune
	r.communes[insee] = Resolution{ID: created, Outcome: Found}
	r.logger.WithFields(logrus.Fields{
		"code_insee": insee,
		"nom":        name,
		"id":         created,
	}).Info("Created commune")
	return Resolution{ID: created, Outcome: Created}, nil
}

// ResolvePropertyType matches label by derived code or exact label and creates
// the property type when neither matches. An empty label is unresolvable.
func (r *Resolver) ResolvePropertyType(ctx context.Context, label string) (Resolution, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Resolution{}, nil
	}
	code := PropertyTypeCode(label)
	if res, ok := r.propertyTypes[code]; ok {
		return res, nil
	}

	var pt models.PropertyType
	err := r.db.WithContext(ctx).Where("code = ? OR libelle = ?", code, label).First(&pt).Error
	if err == nil {
		res := Resolution{ID: pt.ID, Outcome: Found}
		r.propertyTypes[code] = res
		return res, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Resolution{}, fmt.Errorf("failed to look up property type %q: %w", label, err)
	}

	pt = models.PropertyType{Code: code, Label: label}
	id, err := r.create(ctx, &pt, func() uint { return pt.ID })
	if err != nil {
		if database.IsConstraintViolation(err) {
			return Resolution{}, fmt.Errorf("property type %q conflicts with an existing one: %w", label, err)
		}
		return Resolution{}, fmt.Errorf("failed to create property type %q: %w", label, err)
	}

	r.propertyTypes[code] = Resolution{ID: id, Outcome: Found}
	r.logger.WithFields(logrus.Fields{
		"code":    code,
		"libelle": label,
		"id":      id,
	}).Info("Created property type")
	return Resolution{ID: id, Outcome: Created}, nil
}

// create inserts value in a nested transaction so that a failed insert
// only rolls back to its savepoint.
func (r *Resolver) create(ctx context.Context, value interface{}, id func() uint) (uint, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(value).Error
	})
	if err != nil {
		return 0, err
	}
	return id(), nil
}
