package models

import "time"

// EconomicIndicator holds the income figures of a commune for one year.
type EconomicIndicator struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CommuneID    uint      `gorm:"not null;uniqueIndex:uq_eco_commune_annee,priority:1" json:"commune_id"`
	Commune      *Commune  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Year         int       `gorm:"column:annee;not null;uniqueIndex:uq_eco_commune_annee,priority:2" json:"annee"`
	MedianIncome *float64  `gorm:"column:revenu_median" json:"revenu_median"`
	Unemployment *float64  `gorm:"column:taux_chomage" json:"taux_chomage"`
	PovertyRate  *float64  `gorm:"column:taux_pauvrete" json:"taux_pauvrete"`
	CompanyCount *int      `gorm:"column:nb_entreprises" json:"nb_entreprises"`
	UpdatedAt    time.Time `gorm:"column:date_maj" json:"date_maj"`
}

func (EconomicIndicator) TableName() string { return "indicateurs_economiques_communes" }

// EducationIndicator counts the schools of a commune by level for one year.
type EducationIndicator struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CommuneID      uint      `gorm:"not null;uniqueIndex:uq_edu_commune_annee,priority:1" json:"commune_id"`
	Commune        *Commune  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Year           int       `gorm:"column:annee;not null;uniqueIndex:uq_edu_commune_annee,priority:2" json:"annee"`
	PrimarySchools int       `gorm:"column:nb_ecoles_primaires" json:"nb_ecoles_primaires"`
	MiddleSchools  int       `gorm:"column:nb_colleges" json:"nb_colleges"`
	HighSchools    int       `gorm:"column:nb_lycees" json:"nb_lycees"`
	Universities   int       `gorm:"column:nb_universites" json:"nb_universites"`
	UpdatedAt      time.Time `gorm:"column:date_maj" json:"date_maj"`
}

func (EducationIndicator) TableName() string { return "indicateurs_education_communes" }

// All lists every model in foreign-key order, parents first.
func All() []interface{} {
	return []interface{}{
		&Region{},
		&Department{},
		&Commune{},
		&PropertyType{},
		&Transaction{},
		&CommunePrice{},
		&DepartmentPrice{},
		&EconomicIndicator{},
		&EducationIndicator{},
	}
}
