package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"membership-bulk-upload/internal/intake"
)

// Member is a party member keyed by national identity number.
type Member struct {
	ID             uint       `gorm:"primaryKey"`
	IDNumber       string     `gorm:"size:13;uniqueIndex;not null"`
	FirstName      string     `gorm:"size:100;not null"`
	Surname        string     `gorm:"size:100;not null"`
	CellNumber     string     `gorm:"size:20"`
	Email          string     `gorm:"size:255"`
	WardCode       string     `gorm:"size:16;index"`
	VotingDistrict string     `gorm:"size:32"`
	Municipality   string     `gorm:"size:100"`
	Province       string     `gorm:"size:50"`
	DateOfBirth    *time.Time
	Gender         string `gorm:"size:1"`
	Citizen        bool
	IECRegistered  bool
	LastJobID      string `gorm:"size:36"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Member) TableName() string { return "members" }

// Record is a verified spreadsheet row ready to be written.
type Record struct {
	RowNumber      int
	IDNumber       string
	FirstName      string
	Surname        string
	CellNumber     string
	Email          string
	WardCode       string
	VotingDistrict string
	Municipality   string
	Province       string
	IECRegistered  bool
}

// UpsertResult counts what a batch did.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// RowError identifies the record that stopped a batch.
type RowError struct {
	RowNumber int
	IDNumber  string
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d (ID %s): %v", e.RowNumber, e.IDNumber, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Registry writes members through gorm.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the members database. dbType "pgsql" selects Postgres,
// anything else is treated as a sqlite path or DSN.
func Open(dbType, dsn string) (*gorm.DB, error) {
	var dia gorm.Dialector
	if dbType == "pgsql" {
		dia = postgres.Open(dsn)
	} else {
		dia = sqlite.Open(dsn)
	}

	newLogger := logger.New(
		zap.NewStdLog(zap.L().Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: newLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open members database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("configure members database: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// AutoMigrate creates or updates the members table.
func (r *Registry) AutoMigrate() error {
	return r.db.AutoMigrate(&Member{})
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var upsertColumns = []string{
	"first_name", "surname", "cell_number", "email", "ward_code", "voting_district",
	"municipality", "province", "date_of_birth", "gender", "citizen", "iec_registered",
	"last_job_id", "updated_at",
}

// UpsertBatch inserts new members and updates existing ones in one
// transaction. When the batch statement fails the records are retried one at
// a time and the first failing record is returned as a *RowError together
// with the counts written before it.
func (r *Registry) UpsertBatch(ctx context.Context, jobID string, records []Record) (UpsertResult, error) {
	if len(records) == 0 {
		return UpsertResult{}, nil
	}
	members := make([]Member, len(records))
	for i, rec := range records {
		members[i] = r.toMember(jobID, rec)
	}

	var res UpsertResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := existingIDs(tx, members)
		if err != nil {
			return err
		}
		if err := tx.Clauses(upsertClause()).Create(&members).Error; err != nil {
			return err
		}
		res = tally(members, existing)
		return nil
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return UpsertResult{}, ctx.Err()
	}
	zap.S().Named("members").Warnf("batch upsert of %d records failed, retrying row by row: %v", len(records), err)
	return r.upsertEach(ctx, members, records)
}

func (r *Registry) upsertEach(ctx context.Context, members []Member, records []Record) (UpsertResult, error) {
	var res UpsertResult
	for i := range members {
		m := members[i]
		var existed bool
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Member{}).Where("id_number = ?", m.IDNumber).Count(&count).Error; err != nil {
				return err
			}
			existed = count > 0
			return tx.Clauses(upsertClause()).Create(&m).Error
		})
		if err != nil {
			return res, &RowError{RowNumber: records[i].RowNumber, IDNumber: records[i].IDNumber, Err: err}
		}
		if existed {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}

// Get returns the member with the given identity number.
func (r *Registry) Get(ctx context.Context, idNumber string) (Member, error) {
	var m Member
	err := r.db.WithContext(ctx).Where("id_number = ?", idNumber).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, ErrNotFound
	}
	return m, err
}

// Count returns the number of stored members.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Member{}).Count(&n).Error
	return n, err
}

var ErrNotFound = errors.New("member not found")

func (r *Registry) toMember(jobID string, rec Record) Member {
	m := Member{
		IDNumber:       rec.IDNumber,
		FirstName:      rec.FirstName,
		Surname:        rec.Surname,
		CellNumber:     rec.CellNumber,
		Email:          rec.Email,
		WardCode:       rec.WardCode,
		VotingDistrict: rec.VotingDistrict,
		Municipality:   rec.Municipality,
		Province:       rec.Province,
		IECRegistered:  rec.IECRegistered,
		LastJobID:      jobID,
	}
	if details, ok := intake.ParseIDNumber(rec.IDNumber, r.now()); ok {
		dob := details.DateOfBirth
		m.DateOfBirth = &dob
		m.Gender = details.Gender
		m.Citizen = details.Citizen
	}
	return m
}

func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id_number"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}
}

func existingIDs(tx *gorm.DB, members []Member) (map[string]struct{}, error) {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.IDNumber
	}
	var found []string
	if err := tx.Model(&Member{}).Where("id_number IN ?", ids).Pluck("id_number", &found).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(found))
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

func tally(members []Member, existing map[string]struct{}) UpsertResult {
	var res UpsertResult
	for _, m := range members {
		if _, ok := existing[m.IDNumber]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return res
}
