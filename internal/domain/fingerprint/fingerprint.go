// Package fingerprint issues and rotates Telegram client fingerprints,
// binding each account to exactly one, durably (rotation cadence must
// survive restart per spec.md §5). Generation draws from static device
// pools with a realistic client-type distribution and a language/timezone
// pairing so a fingerprint reads as plausible.
package fingerprint

import (
	"fmt"
	"sync"
	"time"

	"tgfleet/internal/infra/boltstore"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/randsrc"
)

// ClientType is the closed set of Telegram client shapes a fingerprint can
// present as.
type ClientType string

const (
	ClientAndroid ClientType = "android"
	ClientIOS     ClientType = "ios"
	ClientDesktop ClientType = "desktop"
)

// Fingerprint is the device/client identity an account presents.
type Fingerprint struct {
	AccountID       string     `json:"account_id"`
	ClientType      ClientType `json:"client_type"`
	DeviceModel     string     `json:"device_model"`
	SystemVersion   string     `json:"system_version"`
	AppVersion      string     `json:"app_version"`
	LangCode        string     `json:"lang_code"`
	SystemLangCode  string     `json:"system_lang_code"`
	LayerNumber     int        `json:"layer_number"`
	TimezoneOffset  int        `json:"timezone_offset"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRotatedAt   time.Time  `json:"last_rotated_at"`
	RotationCount   int        `json:"rotation_count"`
}

const bucket = "fingerprints"

const defaultRotationInterval = 14 * 24 * time.Hour

// devicePool is one candidate device for a client type.
type devicePool struct {
	model, systemVersion, appVersion string
	layer                            int
}

var androidDevices = []devicePool{
	{"Samsung SM-G991B", "13", "10.2.0", 181},
	{"Xiaomi Redmi Note 12", "12", "10.1.5", 181},
	{"Google Pixel 7", "14", "10.3.0", 181},
	{"OnePlus 11", "13", "10.2.2", 181},
}

var iosDevices = []devicePool{
	{"iPhone 13", "16.5", "9.6.1", 181},
	{"iPhone 14 Pro", "17.1", "9.6.3", 181},
	{"iPhone SE", "16.2", "9.6.0", 181},
}

var desktopDevices = []devicePool{
	{"Desktop", "Windows 11", "4.16.8", 181},
	{"Desktop", "macOS 14", "4.16.8", 181},
}

// langOffsets maps a language code to the set of plausible UTC offsets its
// speakers are found in, so timezone and language are chosen jointly.
var langOffsets = map[string][]int{
	"en": {-8, -5, 0, 1},
	"es": {-6, -5, 1},
	"pt": {-3, 0},
	"ru": {3, 5},
	"de": {1},
	"fr": {1},
	"ja": {9},
	"ar": {2, 3},
	"hi": {5},
	"id": {7, 8},
}

var langWeights = []string{"en", "en", "en", "es", "es", "pt", "ru", "de", "fr", "ja", "ar", "hi", "id"}

// Registry owns one fingerprint per account, persisted in bbolt so rotation
// cadence survives a restart.
type Registry struct {
	db  *boltstore.DB
	clk clock.Clock
	rnd randsrc.Source

	mu    sync.RWMutex
	cache map[string]*Fingerprint
}

// NewRegistry opens (or creates) the bbolt file at path.
func NewRegistry(path string, clk clock.Clock, rnd randsrc.Source) (*Registry, error) {
	db, err := boltstore.Open(path)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db, clk: clk, rnd: rnd, cache: make(map[string]*Fingerprint)}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// GetOrCreate returns the account's fingerprint, generating and persisting
// one if this is the first reference. preferredClientType is optional;
// empty means pick from the realistic distribution.
func (r *Registry) GetOrCreate(accountID string, preferredClientType ClientType) (Fingerprint, error) {
	r.mu.RLock()
	if fp, ok := r.cache[accountID]; ok {
		r.mu.RUnlock()
		return *fp, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fp, ok := r.cache[accountID]; ok {
		return *fp, nil
	}

	var loaded Fingerprint
	ok, err := r.db.GetJSON(bucket, accountID, &loaded)
	if err != nil {
		return Fingerprint{}, err
	}
	if ok {
		r.cache[accountID] = &loaded
		return loaded, nil
	}

	fp := r.generate(accountID, preferredClientType)
	if err := r.db.PutJSON(bucket, accountID, fp); err != nil {
		return Fingerprint{}, err
	}
	r.cache[accountID] = &fp
	return fp, nil
}

func (r *Registry) generate(accountID string, preferred ClientType) Fingerprint {
	clientType := preferred
	if clientType == "" {
		clientType = r.pickClientType()
	}
	lang := langWeights[r.rnd.IntN(len(langWeights))]
	offsets := langOffsets[lang]
	offset := offsets[r.rnd.IntN(len(offsets))]

	device := r.pickDevice(clientType)
	now := r.clk.Now()

	return Fingerprint{
		AccountID:      accountID,
		ClientType:     clientType,
		DeviceModel:    device.model,
		SystemVersion:  device.systemVersion,
		AppVersion:     device.appVersion,
		LangCode:       lang,
		SystemLangCode: lang,
		LayerNumber:    device.layer,
		TimezoneOffset: offset,
		CreatedAt:      now,
		LastRotatedAt:  now,
		RotationCount:  0,
	}
}

// pickClientType draws android ~60%, ios ~30%, desktop ~10%.
func (r *Registry) pickClientType() ClientType {
	roll := r.rnd.Float64()
	switch {
	case roll < 0.60:
		return ClientAndroid
	case roll < 0.90:
		return ClientIOS
	default:
		return ClientDesktop
	}
}

func (r *Registry) pickDevice(clientType ClientType) devicePool {
	var pool []devicePool
	switch clientType {
	case ClientIOS:
		pool = iosDevices
	case ClientDesktop:
		pool = desktopDevices
	default:
		pool = androidDevices
	}
	return pool[r.rnd.IntN(len(pool))]
}

func (r *Registry) persist(fp Fingerprint) error {
	r.mu.Lock()
	r.cache[fp.AccountID] = &fp
	r.mu.Unlock()
	return r.db.PutJSON(bucket, fp.AccountID, fp)
}

// Rotate swaps the device within the same client type, preserving language.
func (r *Registry) Rotate(accountID string) (Fingerprint, error) {
	fp, err := r.GetOrCreate(accountID, "")
	if err != nil {
		return Fingerprint{}, err
	}
	device := r.pickDevice(fp.ClientType)
	fp.DeviceModel = device.model
	fp.SystemVersion = device.systemVersion
	fp.AppVersion = device.appVersion
	fp.LayerNumber = device.layer
	fp.LastRotatedAt = r.clk.Now()
	fp.RotationCount++
	return fp, r.persist(fp)
}

// RotateToType performs a deliberate cross-type swap.
func (r *Registry) RotateToType(accountID string, newType ClientType, preserveLanguage bool) (Fingerprint, error) {
	fp, err := r.GetOrCreate(accountID, "")
	if err != nil {
		return Fingerprint{}, err
	}
	device := r.pickDevice(newType)
	fp.ClientType = newType
	fp.DeviceModel = device.model
	fp.SystemVersion = device.systemVersion
	fp.AppVersion = device.appVersion
	fp.LayerNumber = device.layer
	if !preserveLanguage {
		lang := langWeights[r.rnd.IntN(len(langWeights))]
		offsets := langOffsets[lang]
		fp.LangCode = lang
		fp.SystemLangCode = lang
		fp.TimezoneOffset = offsets[r.rnd.IntN(len(offsets))]
	}
	fp.LastRotatedAt = r.clk.Now()
	fp.RotationCount++
	return fp, r.persist(fp)
}

func nextClientType(t ClientType) ClientType {
	switch t {
	case ClientAndroid:
		return ClientIOS
	case ClientIOS:
		return ClientDesktop
	default:
		return ClientAndroid
	}
}

// CycleType advances android -> ios -> desktop -> android, preserving
// language.
func (r *Registry) CycleType(accountID string) (Fingerprint, error) {
	fp, err := r.GetOrCreate(accountID, "")
	if err != nil {
		return Fingerprint{}, err
	}
	return r.RotateToType(accountID, nextClientType(fp.ClientType), true)
}

// RotationStrategy reports which rotation SmartRotate would apply for the
// given risk level, without performing it, for read-only status reporting.
type RotationStrategy string

const (
	StrategyNone      RotationStrategy = "none"
	StrategySoftRotate RotationStrategy = "soft_rotate"
	StrategyFullCycle RotationStrategy = "full_cycle"
)

// RotationStrategyFor maps a risk level string to the strategy SmartRotate
// would apply. riskLevel values mirror risk.Level's string form; this
// package does not import risk to avoid a dependency cycle (risk does not
// need fingerprint, but campaign/dispatcher wiring consults both).
func RotationStrategyFor(riskLevel string) RotationStrategy {
	switch riskLevel {
	case "moderate":
		return StrategySoftRotate
	case "high", "critical":
		return StrategyFullCycle
	default:
		return StrategyNone
	}
}

// SmartRotate is a no-op at safe/low, Rotate at moderate, CycleType at
// high/critical.
func (r *Registry) SmartRotate(accountID, riskLevel string) (Fingerprint, error) {
	switch RotationStrategyFor(riskLevel) {
	case StrategySoftRotate:
		return r.Rotate(accountID)
	case StrategyFullCycle:
		return r.CycleType(accountID)
	default:
		return r.GetOrCreate(accountID, "")
	}
}

// AutoRotateIfStale rotates accountID if its fingerprint's age since last
// rotation is at least maxAge (default 14 days when maxAge is zero). Called
// on each Supervisor tick. Returns rotated=false if no rotation was needed.
func (r *Registry) AutoRotateIfStale(accountID string, maxAge time.Duration) (fp Fingerprint, rotated bool, err error) {
	if maxAge <= 0 {
		maxAge = defaultRotationInterval
	}
	fp, err = r.GetOrCreate(accountID, "")
	if err != nil {
		return Fingerprint{}, false, err
	}
	if r.clk.Now().Sub(fp.LastRotatedAt) < maxAge {
		return fp, false, nil
	}
	fp, err = r.Rotate(accountID)
	return fp, err == nil, err
}

// AutoRotateAllStale sweeps every known account and rotates stale
// fingerprints. Called by the Supervisor every 60s.
func (r *Registry) AutoRotateAllStale(maxAge time.Duration) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, _, err := r.AutoRotateIfStale(id, maxAge); err != nil {
			return fmt.Errorf("fingerprint: auto-rotate %s: %w", id, err)
		}
	}
	return nil
}
