package kvstore

// Entry is a single key-value record in the SQL backend. ExpiresAt is a
// unix nanosecond deadline, 0 for no expiry.
type Entry struct {
	Key       string `gorm:"column:entry_key;primaryKey;size:512"`
	Value     string `gorm:"type:text"`
	ExpiresAt int64  `gorm:"not null;default:0;index"`
	UpdatedAt int64  `gorm:"autoUpdateTime:nano"`
}

// TableName overrides the gorm default.
func (Entry) TableName() string { return "kv_entries" }

// ListItem is one element of an append-only list.
type ListItem struct {
	ID        uint   `gorm:"primaryKey"`
	ListKey   string `gorm:"not null;size:512;index"`
	Value     string `gorm:"type:text"`
	CreatedAt int64  `gorm:"autoCreateTime:nano"`
}

// TableName overrides the gorm default.
func (ListItem) TableName() string { return "kv_list_items" }
