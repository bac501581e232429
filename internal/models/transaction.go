package models

import "time"

// Transaction is one DVF mutation line. Rows are append-only.
type Transaction struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	MutationDate   *time.Time    `gorm:"column:date_mutation;type:date;index" json:"date_mutation"`
	MutationNature *string       `gorm:"column:nature_mutation" json:"nature_mutation"`
	Price          *float64      `gorm:"column:valeur_fonciere" json:"valeur_fonciere"`
	StreetNumber   *string       `gorm:"column:adresse_numero" json:"adresse_numero"`
	StreetSuffix   *string       `gorm:"column:adresse_suffixe" json:"adresse_suffixe"`
	StreetName     *string       `gorm:"column:adresse_nom_voie" json:"adresse_nom_voie"`
	StreetCode     *string       `gorm:"column:adresse_code_voie" json:"adresse_code_voie"`
	PostalCode     *string       `gorm:"column:code_postal" json:"code_postal"`
	CommuneID      uint          `gorm:"not null;index" json:"commune_id"`
	Commune        *Commune      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	PropertyTypeID *uint         `gorm:"column:type_bien_id;index" json:"type_bien_id"`
	PropertyType   *PropertyType `gorm:"foreignKey:PropertyTypeID;constraint:OnDelete:SET NULL" json:"-"`
	BuiltArea      *float64      `gorm:"column:surface_reelle_bati" json:"surface_reelle_bati"`
	RoomCount      *int          `gorm:"column:nombre_pieces" json:"nombre_pieces"`
	LandArea       *float64      `gorm:"column:surface_terrain" json:"surface_terrain"`
	Longitude      *float64      `json:"longitude"`
	Latitude       *float64      `json:"latitude"`
}

func (Transaction) TableName() string { return "transactions" }
