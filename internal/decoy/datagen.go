// Package decoy is the high-interaction honeypot: a believable corporate
// portal stocked with synthetic data and deliberately tempting surfaces.
// Nothing in here is real; everything served is generated.
package decoy

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

type User struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	Department string `json:"department"`
	CreatedAt  string `json:"created_at"`
	LastLogin  string `json:"last_login"`
	APIKey     string `json:"api_key"`
	Phone      string `json:"phone"`
	SSN        string `json:"ssn"`
	Salary     int    `json:"salary"`
	IsActive   bool   `json:"is_active"`
}

type Document struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Filename       string   `json:"filename"`
	ContentPreview string   `json:"content_preview"`
	Owner          string   `json:"owner"`
	CreatedAt      string   `json:"created_at"`
	ModifiedAt     string   `json:"modified_at"`
	SizeBytes      int      `json:"size_bytes"`
	Classification string   `json:"classification"`
	Tags           []string `json:"tags"`
	DownloadURL    string   `json:"download_url"`
}

type APIKey struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Owner       string   `json:"owner"`
	CreatedAt   string   `json:"created_at"`
	LastUsed    string   `json:"last_used"`
	Permissions []string `json:"permissions"`
	RateLimit   int      `json:"rate_limit"` // -1 = unlimited
	IsActive    bool     `json:"is_active"`
}

type Transaction struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Description   string  `json:"description"`
	PaymentMethod string  `json:"payment_method"`
	CardLast4     string  `json:"card_last4"`
}

var (
	firstNames  = []string{"James", "Maria", "Wei", "Aisha", "Carlos", "Emma", "Raj", "Sofia", "Liam", "Yuki", "Omar", "Nina", "Pedro", "Anna", "Kofi", "Elena", "Hiro", "Clara", "Ivan", "Leila"}
	lastNames   = []string{"Smith", "Garcia", "Chen", "Patel", "Johnson", "Mueller", "Tanaka", "Silva", "Brown", "Kim", "Novak", "Okafor", "Larsen", "Rossi", "Dubois", "Khan", "Olsen", "Costa", "Wong", "Haddad"}
	departments = []string{"Engineering", "Sales", "Marketing", "Finance", "HR"}
	userRoles   = []string{"user", "admin", "developer", "analyst"}
	buzzwords   = []string{"synergy", "platform", "pipeline", "quantum", "neural", "agile", "cloud", "vertical", "dynamic", "scalable", "secure", "global", "smart", "rapid", "core"}
	fileWords   = []string{"report", "budget", "roadmap", "forecast", "audit", "payroll", "strategy", "review", "backlog", "contract", "invoice", "minutes", "metrics", "plan", "summary"}
	fileExts    = []string{"pdf", "docx", "xlsx", "txt"}
	classLevels = []string{"public", "internal", "confidential", "restricted"}
	currencies  = []string{"USD", "EUR", "GBP", "JPY"}
	txnStatuses = []string{"completed", "pending", "failed"}
	payMethods  = []string{"credit_card", "debit_card", "paypal", "bank_transfer"}
)

// Generator produces the synthetic corpus the portal serves. A fixed seed
// keeps the fake company identical across restarts, which matters: an
// attacker returning to different data would smell the honeypot.
type Generator struct {
	rng *rand.Rand
	now time.Time
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), now: time.Now().UTC()}
}

func (g *Generator) Users(count int) []User {
	users := make([]User, 0, count)
	for i := 0; i < count; i++ {
		first := pick(g.rng, firstNames)
		last := pick(g.rng, lastNames)
		username := strings.ToLower(first[:1] + last)
		users = append(users, User{
			ID:         fmt.Sprintf("USR-%d", 10000+i),
			Email:      fmt.Sprintf("%s.%s@acmecorp.com", strings.ToLower(first), strings.ToLower(last)),
			Name:       first + " " + last,
			Username:   username,
			Role:       pick(g.rng, userRoles),
			Department: pick(g.rng, departments),
			CreatedAt:  g.pastTime(730 * 24 * time.Hour),
			LastLogin:  g.pastTime(30 * 24 * time.Hour),
			APIKey:     g.apiKey(),
			Phone:      fmt.Sprintf("+1-%03d-%03d-%04d", 200+g.rng.Intn(700), g.rng.Intn(1000), g.rng.Intn(10000)),
			SSN:        fmt.Sprintf("%03d-%02d-%04d", 100+g.rng.Intn(900), 10+g.rng.Intn(90), 1000+g.rng.Intn(9000)),
			Salary:     50000 + g.rng.Intn(150001),
			IsActive:   g.rng.Intn(4) != 0,
		})
	}
	return users
}

func (g *Generator) Documents(count int) []Document {
	docs := make([]Document, 0, count)
	for i := 0; i < count; i++ {
		id := 20000 + i
		tags := make([]string, 1+g.rng.Intn(5))
		for j := range tags {
			tags[j] = pick(g.rng, buzzwords)
		}
		docs = append(docs, Document{
			ID:             fmt.Sprintf("DOC-%d", id),
			Title:          capitalize(pick(g.rng, buzzwords)) + " " + pick(g.rng, fileWords) + " " + fmt.Sprint(2023+g.rng.Intn(3)),
			Filename:       fmt.Sprintf("%s-%s.%s", pick(g.rng, fileWords), pick(g.rng, buzzwords), pick(g.rng, fileExts)),
			ContentPreview: g.sentence(20),
			Owner:          fmt.Sprintf("USR-%d", 10000+g.rng.Intn(100)),
			CreatedAt:      g.pastTime(365 * 24 * time.Hour),
			ModifiedAt:     g.pastTime(60 * 24 * time.Hour),
			SizeBytes:      1024 + g.rng.Intn(10484737),
			Classification: pick(g.rng, classLevels),
			Tags:           tags,
			DownloadURL:    fmt.Sprintf("/api/v1/documents/%d/download", id),
		})
	}
	return docs
}

func (g *Generator) APIKeys(count int) []APIKey {
	perms := []string{"read", "write", "delete", "admin"}
	limits := []int{100, 1000, 10000, -1}
	keys := make([]APIKey, 0, count)
	for i := 0; i < count; i++ {
		n := 1 + g.rng.Intn(3)
		granted := append([]string(nil), perms...)
		g.rng.Shuffle(len(granted), func(a, b int) { granted[a], granted[b] = granted[b], granted[a] })
		keys = append(keys, APIKey{
			ID:          fmt.Sprintf("KEY-%d", 30000+i),
			Key:         g.apiKey(),
			Name:        pick(g.rng, buzzwords) + "-" + pick(g.rng, fileWords) + "-key",
			Owner:       fmt.Sprintf("USR-%d", 10000+g.rng.Intn(100)),
			CreatedAt:   g.pastTime(365 * 24 * time.Hour),
			LastUsed:    g.pastTime(7 * 24 * time.Hour),
			Permissions: granted[:n],
			RateLimit:   limits[g.rng.Intn(len(limits))],
			IsActive:    g.rng.Intn(4) != 0,
		})
	}
	return keys
}

func (g *Generator) Transactions(count int) []Transaction {
	txns := make([]Transaction, 0, count)
	for i := 0; i < count; i++ {
		txns = append(txns, Transaction{
			ID:            fmt.Sprintf("TXN-%d", 40000+i),
			UserID:        fmt.Sprintf("USR-%d", 10000+g.rng.Intn(100)),
			Amount:        float64(int((10+g.rng.Float64()*4990)*100)) / 100,
			Currency:      pick(g.rng, currencies),
			Status:        pick(g.rng, txnStatuses),
			Timestamp:     g.pastTime(90 * 24 * time.Hour),
			Description:   g.sentence(6),
			PaymentMethod: pick(g.rng, payMethods),
			CardLast4:     fmt.Sprintf("%04d", 1000+g.rng.Intn(9000)),
		})
	}
	return txns
}

// DatabaseConfig returns plausible but fake connection details.
func (g *Generator) DatabaseConfig() map[string]any {
	return map[string]any{
		"host":              "db.internal.acmecorp.com",
		"port":              5432,
		"database":          "production_db",
		"username":          "app_user",
		"password":          "P@ssw0rd123!FAKE",
		"ssl_mode":          "require",
		"pool_size":         20,
		"max_overflow":      10,
		"connection_string": "postgresql://app_user:P@ssw0rd123!FAKE@db.internal.acmecorp.com:5432/production_db",
	}
}

func (g *Generator) AWSCredentials() map[string]any {
	regions := []string{"us-east-1", "us-west-2", "eu-west-1"}
	return map[string]any{
		"access_key_id":     "AKIA" + g.randString(16, true),
		"secret_access_key": g.randString(40, false),
		"region":            pick(g.rng, regions),
		"bucket":            pick(g.rng, buzzwords) + "-" + pick(g.rng, fileWords) + "-production-data",
		"note":              "FAKE CREDENTIALS - Not valid",
	}
}

// AdminCredentials lists deliberately weak accounts to bait credential
// testing. The passwords double as the bcrypt-checked demo logins.
func (g *Generator) AdminCredentials() []map[string]string {
	return []map[string]string{
		{"username": "admin", "password": "admin123", "role": "superadmin", "note": "Default admin account"},
		{"username": "root", "password": "toor", "role": "root", "note": "Root access"},
		{"username": "service_account", "password": "S3rv1c3P@ss", "role": "service", "note": "Service account for automation"},
	}
}

func (g *Generator) apiKey() string {
	return "ak_live_" + g.randString(32, false)
}

func (g *Generator) randString(n int, uppercase bool) string {
	chars := "abcdefghijklmnopqrstuvwxyz0123456789"
	if uppercase {
		chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(chars[g.rng.Intn(len(chars))])
	}
	return b.String()
}

func (g *Generator) sentence(words int) string {
	parts := make([]string, 0, words)
	for i := 0; i < words; i++ {
		if i%2 == 0 {
			parts = append(parts, pick(g.rng, buzzwords))
		} else {
			parts = append(parts, pick(g.rng, fileWords))
		}
	}
	return capitalize(strings.Join(parts, " ")) + "."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (g *Generator) pastTime(window time.Duration) string {
	back := time.Duration(g.rng.Int63n(int64(window)))
	return g.now.Add(-back).Format(time.RFC3339)
}

func pick(rng *rand.Rand, list []string) string {
	return list[rng.Intn(len(list))]
}
