package models

// Region is a French administrative region. Population and area are rolled up
// from its departments after each geographic import.
type Region struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	Code       string   `gorm:"size:3;uniqueIndex;not null" json:"code"`
	Name       string   `gorm:"column:nom;not null" json:"nom"`
	Population *int64   `json:"population"`
	Area       *float64 `gorm:"column:superficie" json:"superficie"`
}

func (Region) TableName() string { return "regions" }

// Department is a département, optionally linked to its region.
type Department struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	Code       string   `gorm:"size:3;uniqueIndex;not null" json:"code"`
	Name       string   `gorm:"column:nom;not null" json:"nom"`
	RegionID   *uint    `gorm:"index" json:"region_id"`
	Region     *Region  `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	Population *int64   `json:"population"`
	Area       *float64 `gorm:"column:superficie" json:"superficie"`
}

func (Department) TableName() string { return "departements" }

// Commune is keyed externally by its INSEE code. Area is stored in km².
type Commune struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	InseeCode    string      `gorm:"column:code_insee;size:5;uniqueIndex;not null" json:"code_insee"`
	PostalCode   *string     `gorm:"column:code_postal;size:5" json:"code_postal"`
	Name         string      `gorm:"column:nom;not null" json:"nom"`
	DepartmentID *uint       `gorm:"column:departement_id;index" json:"departement_id"`
	Department   *Department `gorm:"foreignKey:DepartmentID;constraint:OnDelete:SET NULL" json:"-"`
	Latitude     *float64    `json:"latitude"`
	Longitude    *float64    `json:"longitude"`
	Population   *int64      `json:"population"`
	Area         *float64    `gorm:"column:superficie" json:"superficie"`
}

func (Commune) TableName() string { return "communes" }

// PropertyType is a normalized DVF "type_local" label.
type PropertyType struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Code  string `gorm:"size:100;uniqueIndex;not null" json:"code"`
	Label string `gorm:"column:libelle;size:255;uniqueIndex;not null" json:"libelle"`
}

func (PropertyType) TableName() string { return "types_bien" }
