// Package domain defines the core value types, the marriage mapping algorithm,
// and the typed errors shared by the villagepop synthesis engine.
package domain

import "time"

// Gender identifies the synthesized gender of a population record.
type Gender string

// Synthesized gender values. The engine never randomizes these; they are a
// pure function of the row position and village id (see GenderFor).
const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
)

// Structural constants of the replication scheme. A run of SuperBlockSize
// consecutive village ids forms a super-block that marriages never cross, and
// the marriage offset pattern repeats every CounterCycle counters
// (CounterCycle = SuperBlockSize * 7, the base dataset's natural cycle).
const (
	SuperBlockSize = 28
	CounterCycle   = 196
)

// BirthEpoch is day zero of the birth-date serial scale (the spreadsheet
// serial epoch 1899-12-30). A record's BirthSerial counts whole days from it.
var BirthEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// FormattedBirthLayout renders a birth serial as a human-readable date,
// e.g. "Monday, January 01, 1900".
const FormattedBirthLayout = "Monday, January 02, 2006"

// BaseRecord is one person of the canonical source dataset, normalized at load
// time. Records are immutable once loaded and shared read-only by all runs.
type BaseRecord struct {
	// Counter is the record's fixed 1-based position in the canonical
	// dataset. It is assigned at load time, never inferred from iteration
	// order, and drives the marriage mapping (mod CounterCycle).
	Counter  int    `json:"counter"`
	FamilyID int64  `json:"family_id"`
	PersonID int64  `json:"person_id"`
	// BirthDate is the raw source value, kept for lineage.
	BirthDate string `json:"birth_date,omitempty"`
	// BirthSerial and FormattedBirthDate are nil when the raw birth date is
	// missing or unparseable.
	BirthSerial        *int64  `json:"birth_serial,omitempty"`
	FormattedBirthDate *string `json:"formatted_birth_date,omitempty"`
}

// PopulationRecord is one synthesized output row. The nine-column shape is
// fixed; all construction goes through NewPopulationRecord.
type PopulationRecord struct {
	SerialNo           int64   `json:"serial_no"`
	Counter            int     `json:"counter"`
	FamilyID           int64   `json:"family_id"`
	PersonID           int64   `json:"person_id"`
	BirthSerial        *int64  `json:"birth_date_serial"`
	VillageID          int     `json:"village_id"`
	Gender             Gender  `json:"gender"`
	FormattedBirthDate *string `json:"formatted_birth_date"`
	MarriedToVillageID int     `json:"married_to_village_id"`
}

// PopulationColumns lists the output table columns in schema order.
var PopulationColumns = []string{
	"serial_no",
	"counter",
	"family_id",
	"person_id",
	"birth_date_serial",
	"village_id",
	"gender",
	"formatted_birth_date",
	"married_to_village_id",
}

// NewPopulationRecord builds the output row for base at the given serial,
// village, gender, and married-to village, carrying the base fields through
// unchanged.
func NewPopulationRecord(base BaseRecord, serialNo int64, villageID int, gender Gender, marriedTo int) PopulationRecord {
	return PopulationRecord{
		SerialNo:           serialNo,
		Counter:            base.Counter,
		FamilyID:           base.FamilyID,
		PersonID:           base.PersonID,
		BirthSerial:        base.BirthSerial,
		VillageID:          villageID,
		Gender:             gender,
		FormattedBirthDate: base.FormattedBirthDate,
		MarriedToVillageID: marriedTo,
	}
}

// GenderFor returns the gender of the base row at 0-based position idx within
// the replica for villageID. Within a village, gender alternates by row; which
// parity starts on MALE flips with the village id's parity.
func GenderFor(idx, villageID int) Gender {
	if (idx%2 == 0) == (villageID%2 == 1) {
		return GenderMale
	}
	return GenderFemale
}

// GenerationRecord is one generation ledger entry: the identity, parameters,
// and output location of a completed synthesis run. Entries are append-only
// per owner and reference their table by location, not by owning it.
type GenerationRecord struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Location     string    `json:"location"`
	VillageCount int       `json:"village_count"`
	Records      int64     `json:"records"`
	CreatedAt    time.Time `json:"created_at"`
}
