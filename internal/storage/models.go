package storage

import "time"

// Paper 表示语料库中已入库的一篇论文。
//
// 语料库是全体用户共享的（communal corpus），由 ingest 流水线写入，检索/列表工具只读。
type Paper struct {
	// ID 为自增主键（内部使用），Chunk.PaperID 引用它。
	ID uint64 `gorm:"primaryKey"`
	// ArxivID 为 arXiv 标识（例如 2401.01234），唯一；用于去重，保证重复入库是幂等的。
	ArxivID string `gorm:"size:64;not null;uniqueIndex"`
	Title   string `gorm:"type:text;not null"`
	// Authors 以逗号分隔存放，展示用，不做结构化检索。
	Authors   string `gorm:"type:text"`
	Abstract  string `gorm:"type:text"`
	Category  string `gorm:"size:64;index"`
	PDFURL    string `gorm:"type:text"`
	Published time.Time
	// IngestedBy 为触发入库的用户（审计用途）。
	IngestedBy string    `gorm:"size:128;index"`
	ChunkCount int       `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime;index"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime"`
}

// Chunk 是论文切分后的一个检索单元。
type Chunk struct {
	ID      uint64 `gorm:"primaryKey"`
	PaperID uint64 `gorm:"not null;index:idx_chunks_paper_ord,priority:1"`
	// Ordinal 为块在论文内的顺序号，从 0 开始。
	Ordinal int    `gorm:"not null;index:idx_chunks_paper_ord,priority:2"`
	Content string `gorm:"type:text;not null"`
	// Embedding 为 little-endian float32 序列；维度由 EmbeddingDim 记录。
	Embedding    []byte    `gorm:"type:blob"`
	EmbeddingDim int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// Conversation 将一个 session 下的多轮对话归组。
type Conversation struct {
	ID        uint64    `gorm:"primaryKey"`
	SessionID string    `gorm:"size:128;not null;uniqueIndex"`
	UserID    string    `gorm:"size:128;not null;index"`
	Title     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// ConversationTurn 是一轮对话的持久化记录。
//
// 只在该轮的图执行终止（completed 或 failed）后写入一次，之后除保留期清理外不再修改。
type ConversationTurn struct {
	ID             uint64 `gorm:"primaryKey"`
	ConversationID uint64 `gorm:"not null;index"`
	SessionID      string `gorm:"size:128;not null;index:idx_turns_session_created,priority:1"`
	ThreadID       string `gorm:"size:64;not null;index"`
	UserQuery      string `gorm:"type:text;not null"`
	Answer         string `gorm:"type:text"`
	// Status 为执行终态：completed / failed / cancelled / timeout。
	Status            string `gorm:"size:32;not null;index"`
	ScopeScore        int    `gorm:"not null;default:0"`
	RetrievalAttempts int    `gorm:"not null;default:0"`
	// SourcesJSON / ReasoningJSON / PendingConfirmationJSON 为 JSON 字符串。
	SourcesJSON             string    `gorm:"type:text"`
	ReasoningJSON           string    `gorm:"type:text"`
	PendingConfirmationJSON string    `gorm:"type:text"`
	CreatedAt               time.Time `gorm:"not null;autoCreateTime;index:idx_turns_session_created,priority:2"`
}

// Checkpoint 是某个执行线程（thread）在一次节点转移之后的状态快照。
//
// 只有编排器写入；同一 thread 的快照按 Seq 单调递增，读取时取最新一条。
type Checkpoint struct {
	ID        uint64 `gorm:"primaryKey"`
	ThreadID  string `gorm:"size:64;not null;uniqueIndex:idx_checkpoints_thread_seq,priority:1"`
	Seq       int64  `gorm:"not null;uniqueIndex:idx_checkpoints_thread_seq,priority:2"`
	SessionID string `gorm:"size:128;not null;index"`
	UserID    string `gorm:"size:128;not null;index"`
	// NextNode 为恢复执行时要进入的节点。
	NextNode  string    `gorm:"size:64;not null"`
	Status    string    `gorm:"size:32;not null;index"`
	StateJSON string    `gorm:"type:text;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// UsageCounter 记录用户每天某类操作（chat / ingest）的次数。
type UsageCounter struct {
	ID        uint64    `gorm:"primaryKey"`
	UserID    string    `gorm:"size:128;not null;uniqueIndex:idx_usage_user_kind_day,priority:1"`
	Kind      string    `gorm:"size:32;not null;uniqueIndex:idx_usage_user_kind_day,priority:2"`
	Day       string    `gorm:"size:10;not null;uniqueIndex:idx_usage_user_kind_day,priority:3"`
	Count     int       `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// User 只保存额度策略需要的最少信息；认证由外部负责。
type User struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Tier      string    `gorm:"size:32;not null;default:free"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// IngestJob 是一条后台入库任务。
type IngestJob struct {
	ID      string `gorm:"primaryKey;size:64"`
	UserID  string `gorm:"size:128;not null;index"`
	ArxivID string `gorm:"size:64;not null;index"`
	// Status: queued / running / done / failed。
	Status    string    `gorm:"size:16;not null;index"`
	Attempts  int       `gorm:"not null;default:0"`
	LastError string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// AuditRecord 记录一次工具调用及其结果，用于审计、追溯与后续分析。
//
// 每条记录对应执行器中的一次工具调用；TraceID 为执行线程 ID，可以把同一次执行的所有调用串起来。
type AuditRecord struct {
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一次执行（thread）。
	TraceID string `gorm:"size:64;index"`
	UserID  string `gorm:"size:128;index"`
	// Action 为工具名，例如 retrieve_chunks。
	Action     string `gorm:"size:128;not null;index"`
	ParamsJSON string `gorm:"type:text"`
	ResultJSON string `gorm:"type:text"`
	// Status 为 running / success / failed。
	Status       string    `gorm:"size:32;not null;index"`
	ErrorMessage string    `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time `gorm:"index"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime;index"`
}
