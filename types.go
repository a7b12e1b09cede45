package speechquota

import "time"

// KeyRecord is one backing credential for the external speech service.
type KeyRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret,omitempty"`
	Region string `json:"region"`

	TotalQuota    int64 `json:"total_quota"`    // characters
	UsedQuota     int64 `json:"used_quota"`     // characters committed
	ReservedQuota int64 `json:"reserved_quota"` // characters held by in-flight calls

	Active bool   `json:"active"`
	Notes  string `json:"notes,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Remaining returns the characters still available for new reservations.
func (k KeyRecord) Remaining() int64 {
	r := k.TotalQuota - k.UsedQuota - k.ReservedQuota
	if r < 0 {
		return 0
	}
	return r
}

// Credential returns the credential used to call the speech service with this key.
func (k KeyRecord) Credential() Credential {
	return Credential{Secret: k.Secret, Region: k.Region}
}

// Masked returns a copy of the record with the secret reduced to its last four characters.
func (k KeyRecord) Masked() KeyRecord {
	k.Secret = MaskSecret(k.Secret)
	return k
}

// MaskSecret hides all but the last four characters of a secret.
func MaskSecret(secret string) string {
	runes := []rune(secret)
	if len(runes) <= 4 {
		return "****"
	}
	return "****" + string(runes[len(runes)-4:])
}

// NewKey is the input for creating a KeyRecord.
type NewKey struct {
	Name       string `json:"name" yaml:"name"`
	Secret     string `json:"secret" yaml:"secret"`
	Region     string `json:"region" yaml:"region"`
	TotalQuota int64  `json:"total_quota" yaml:"total_quota"`
	Active     *bool  `json:"active,omitempty" yaml:"active"`
	Notes      string `json:"notes,omitempty" yaml:"notes"`
}

// Validate checks the fields required to create a key.
func (n NewKey) Validate() error {
	switch {
	case n.Name == "":
		return wrapInvalid("name is required")
	case n.Secret == "":
		return wrapInvalid("secret is required")
	case n.Region == "":
		return wrapInvalid("region is required")
	case n.TotalQuota < 0:
		return ErrInvalidQuota
	}
	return nil
}

// Record builds the KeyRecord stored for this input.
func (n NewKey) Record(id string, now time.Time) KeyRecord {
	active := true
	if n.Active != nil {
		active = *n.Active
	}
	return KeyRecord{
		ID:         id,
		Name:       n.Name,
		Secret:     n.Secret,
		Region:     n.Region,
		TotalQuota: n.TotalQuota,
		Active:     active,
		Notes:      n.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// KeyUpdate is a partial update of a KeyRecord. Nil fields are left unchanged.
type KeyUpdate struct {
	Name       *string `json:"name,omitempty"`
	Secret     *string `json:"secret,omitempty"`
	Region     *string `json:"region,omitempty"`
	TotalQuota *int64  `json:"total_quota,omitempty"`
	Active     *bool   `json:"active,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// Apply patches rec in place. It rejects a total quota below what is already
// used or reserved so that exhaustion stays observable to callers.
func (u KeyUpdate) Apply(rec *KeyRecord, now time.Time) error {
	if u.Name != nil {
		if *u.Name == "" {
			return wrapInvalid("name cannot be empty")
		}
		rec.Name = *u.Name
	}
	if u.Secret != nil {
		if *u.Secret == "" {
			return wrapInvalid("secret cannot be empty")
		}
		rec.Secret = *u.Secret
	}
	if u.Region != nil {
		rec.Region = *u.Region
	}
	if u.TotalQuota != nil {
		if *u.TotalQuota < 0 || *u.TotalQuota < rec.UsedQuota+rec.ReservedQuota {
			return ErrInvalidQuota
		}
		rec.TotalQuota = *u.TotalQuota
	}
	if u.Active != nil {
		rec.Active = *u.Active
	}
	if u.Notes != nil {
		rec.Notes = *u.Notes
	}
	rec.UpdatedAt = now
	return nil
}

// Period identifies the daily and monthly usage buckets for an instant.
type Period struct {
	Day   string `json:"day"`   // 2006-01-02
	Month string `json:"month"` // 2006-01
}

// PeriodAt returns the usage period containing t in loc. A nil loc means UTC.
func PeriodAt(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return Period{Day: t.Format(time.DateOnly), Month: t.Format("2006-01")}
}

// UsageCounter is a per-user counter for one period.
type UsageCounter struct {
	Period     string    `json:"period"`
	Requests   int64     `json:"requests"`
	Characters int64     `json:"characters"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// UserUsage is the daily and monthly consumption of one user.
type UserUsage struct {
	UserID  string       `json:"user_id"`
	Daily   UsageCounter `json:"daily"`
	Monthly UsageCounter `json:"monthly"`
}

// EmptyUsage returns zero-valued counters for a user and period.
func EmptyUsage(userID string, p Period) UserUsage {
	return UserUsage{
		UserID:  userID,
		Daily:   UsageCounter{Period: p.Day},
		Monthly: UsageCounter{Period: p.Month},
	}
}

// Add returns the usage after one more request of chars characters.
func (u UserUsage) Add(chars int64) UserUsage {
	u.Daily.Requests++
	u.Daily.Characters += chars
	u.Monthly.Requests++
	u.Monthly.Characters += chars
	return u
}

// PoolStats aggregates quota across the key pool.
type PoolStats struct {
	TotalKeys         int   `json:"total_keys"`
	ActiveKeys        int   `json:"active_keys"`
	TotalQuota        int64 `json:"total_quota"`
	UsedQuota         int64 `json:"used_quota"`
	ReservedQuota     int64 `json:"reserved_quota"`
	AvailableQuota    int64 `json:"available_quota"`
	KeysWithRemaining int   `json:"keys_with_remaining"`
}

// ComputePoolStats aggregates the given keys.
func ComputePoolStats(keys []KeyRecord) PoolStats {
	var s PoolStats
	for _, k := range keys {
		s.TotalKeys++
		s.TotalQuota += k.TotalQuota
		s.UsedQuota += k.UsedQuota
		s.ReservedQuota += k.ReservedQuota
		s.AvailableQuota += k.Remaining()
		if k.Active {
			s.ActiveKeys++
		}
		if k.Remaining() > 0 {
			s.KeysWithRemaining++
		}
	}
	return s
}
