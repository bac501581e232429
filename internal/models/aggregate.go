package models

import "time"

// CommunePrice is the price-per-m² aggregate of one commune, property type and quarter.
// PricePerSqm is nulled by the correction pass when the value is not trustworthy.
type CommunePrice struct {
	ID               uint          `gorm:"primaryKey" json:"id"`
	CommuneID        uint          `gorm:"not null;uniqueIndex:uq_prix_commune_periode,priority:1" json:"commune_id"`
	Commune          *Commune      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	PropertyTypeID   uint          `gorm:"column:type_bien_id;not null;uniqueIndex:uq_prix_commune_periode,priority:2" json:"type_bien_id"`
	PropertyType     *PropertyType `gorm:"foreignKey:PropertyTypeID;constraint:OnDelete:CASCADE" json:"-"`
	Year             int           `gorm:"column:annee;not null;uniqueIndex:uq_prix_commune_periode,priority:3" json:"annee"`
	Quarter          int           `gorm:"column:trimestre;not null;uniqueIndex:uq_prix_commune_periode,priority:4" json:"trimestre"`
	PricePerSqm      *float64      `gorm:"column:prix_moyen_m2" json:"prix_moyen_m2"`
	TransactionCount int           `gorm:"column:nombre_transactions;not null" json:"nombre_transactions"`
	UpdatedAt        time.Time     `gorm:"column:date_maj;default:CURRENT_TIMESTAMP" json:"date_maj"`
}

func (CommunePrice) TableName() string { return "prix_moyens_communes" }

// DepartmentPrice is the transaction-weighted rollup of the commune aggregates of a department.
type DepartmentPrice struct {
	ID               uint          `gorm:"primaryKey" json:"id"`
	DepartmentID     uint          `gorm:"column:departement_id;not null;uniqueIndex:uq_prix_departement_periode,priority:1" json:"departement_id"`
	Department       *Department   `gorm:"foreignKey:DepartmentID;constraint:OnDelete:CASCADE" json:"-"`
	PropertyTypeID   uint          `gorm:"column:type_bien_id;not null;uniqueIndex:uq_prix_departement_periode,priority:2" json:"type_bien_id"`
	PropertyType     *PropertyType `gorm:"foreignKey:PropertyTypeID;constraint:OnDelete:CASCADE" json:"-"`
	Year             int           `gorm:"column:annee;not null;uniqueIndex:uq_prix_departement_periode,priority:3" json:"annee"`
	Quarter          int           `gorm:"column:trimestre;not null;uniqueIndex:uq_prix_departement_periode,priority:4" json:"trimestre"`
	PricePerSqm      *float64      `gorm:"column:prix_moyen_m2" json:"prix_moyen_m2"`
	TransactionCount int           `gorm:"column:nombre_transactions;not null" json:"nombre_transactions"`
	UpdatedAt        time.Time     `gorm:"column:date_maj;default:CURRENT_TIMESTAMP" json:"date_maj"`
}

func (DepartmentPrice) TableName() string { return "prix_moyens_departements" }
