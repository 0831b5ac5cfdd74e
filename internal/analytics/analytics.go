// Package analytics answers the historical questions the dashboard asks:
// per-camera crossing counts, hourly and daily series, period summaries. It
// is a read-only layer over the event store with a small staleness-checked
// cache in front of the heavier queries.
package analytics

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"passage/internal/store"
)

const (
	defaultCacheSize = 128
	cacheTTL         = 30 * time.Second

	// syntheticSettingKey lets operators flip demo padding at runtime; the
	// configured default applies while the setting is unset.
	syntheticSettingKey = "synthetic_fill"
)

// Summary condenses a time range for the dashboard header.
type Summary struct {
	TimeRange       string  `json:"time_range"`
	TotalDetections int     `json:"total_detections"`
	AvgPerDay       float64 `json:"avg_per_day"`
	PeakHour        string  `json:"peak_hour"`
	PeakCount       int     `json:"peak_count"`
}

// DayBucket aggregates presence episodes within one calendar day.
type DayBucket struct {
	DetectionCount int `json:"detection_count"`
	LeftToRight    int `json:"left_to_right"`
	RightToLeft    int `json:"right_to_left"`
	Unknown        int `json:"unknown"`
}

type cacheEntry struct {
	at    time.Time
	value any
}

// Aggregator computes the read models. Cameras lists the registry's current
// ids so synthetic padding knows which cameras exist without events.
type Aggregator struct {
	st      *store.Store
	cameras func() []string
	log     *logrus.Entry

	// syntheticDefault seeds demo values for cameras without events when no
	// runtime setting overrides it.
	syntheticDefault bool

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

// New builds an aggregator. cameras may be nil when no registry padding is
// wanted; cacheSize values below 1 fall back to the default.
func New(st *store.Store, cameras func() []string, syntheticFill bool, cacheSize int, logger *logrus.Logger) *Aggregator {
	if cacheSize < 1 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Aggregator{
		st:               st,
		cameras:          cameras,
		log:              logger.WithField("component", "analytics"),
		syntheticDefault: syntheticFill,
		cache:            cache,
	}
}

// Footfall invalidates cached aggregates after a committed crossing. The
// tracking workers call it through the manager wiring.
func (a *Aggregator) Footfall(string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.Purge()
}

func (a *Aggregator) cached(key string, compute func() (any, error)) (any, error) {
	a.mu.Lock()
	if e, ok := a.cache.Get(key); ok && time.Since(e.at) < cacheTTL {
		a.mu.Unlock()
		return e.value, nil
	}
	a.mu.Unlock()

	v, err := compute()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache.Add(key, cacheEntry{at: time.Now(), value: v})
	a.mu.Unlock()
	return v, nil
}

// ParseTimeRange resolves "{n}h" or "{n}d" to hours. Empty input means the
// default day.
func ParseTimeRange(s string) (int, error) {
	if s == "" {
		return 24, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid time range %q", s)
	}
	switch unit {
	case 'h':
		return n, nil
	case 'd':
		return n * 24, nil
	default:
		return 0, fmt.Errorf("invalid time range %q", s)
	}
}

// CameraCounts sums entry and exit events per camera over the last hours.
// With synthetic fill enabled, registry cameras absent from the result get a
// stable demonstration value.
func (a *Aggregator) CameraCounts(hours int) (map[string]int, error) {
	v, err := a.cached(fmt.Sprintf("counts:%d", hours), func() (any, error) {
		counts, err := a.st.EntryExitCounts(hours)
		if err != nil {
			return nil, err
		}
		if a.syntheticEnabled() && a.cameras != nil {
			for _, id := range a.cameras() {
				if _, ok := counts[id]; !ok {
					counts[id] = demoCount(id)
				}
			}
		}
		return counts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]int), nil
}

// TimeSeries returns one camera's hourly crossing counts. An empty result is
// padded with a deterministic demo shape when synthetic fill is on.
func (a *Aggregator) TimeSeries(cameraID string, hours int) ([]store.HourPoint, error) {
	v, err := a.cached(fmt.Sprintf("series:%s:%d", cameraID, hours), func() (any, error) {
		points, err := a.st.TimeSeries(cameraID, hours)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 && a.syntheticEnabled() {
			points = demoSeries(cameraID, hours)
		}
		return points, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.HourPoint), nil
}

// TimeSeriesAll returns hourly crossing counts per camera, padding registry
// cameras that produced nothing.
func (a *Aggregator) TimeSeriesAll(hours int) (map[string][]store.HourPoint, error) {
	v, err := a.cached(fmt.Sprintf("series-all:%d", hours), func() (any, error) {
		series, err := a.st.TimeSeriesAll(hours)
		if err != nil {
			return nil, err
		}
		if a.syntheticEnabled() && a.cameras != nil {
			for _, id := range a.cameras() {
				if len(series[id]) == 0 {
					series[id] = demoSeries(id, hours)
				}
			}
		}
		return series, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]store.HourPoint), nil
}

// Summary condenses the range: total crossings, per-day average and the peak
// presence hour. Synthetic padding never contributes here.
func (a *Aggregator) Summary(timeRange string) (*Summary, error) {
	hours, err := ParseTimeRange(timeRange)
	if err != nil {
		return nil, err
	}

	v, err := a.cached("summary:"+timeRange, func() (any, error) {
		counts, err := a.st.EntryExitCounts(hours)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, n := range counts {
			total += n
		}

		buckets, err := a.st.HourlyMetrics(hours, "")
		if err != nil {
			return nil, err
		}
		peakHour, peakCount := peak(buckets)

		days := float64(hours) / 24
		if days < 1 {
			days = 1
		}
		return &Summary{
			TimeRange:       timeRange,
			TotalDetections: total,
			AvgPerDay:       float64(total) / days,
			PeakHour:        peakHour,
			PeakCount:       peakCount,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

// peak picks the hour bucket with the most presence episodes. Ties resolve
// to the earliest bucket so repeated queries agree.
func peak(buckets map[string]*store.HourlyBucket) (string, int) {
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hour, count := "", 0
	for _, k := range keys {
		if buckets[k].DetectionCount > count {
			hour, count = k, buckets[k].DetectionCount
		}
	}
	if hour == "" {
		return "N/A", 0
	}
	return formatPeakHour(hour), count
}

// formatPeakHour turns a "2006-01-02 15:00" bucket into "15:00 - 16:00".
func formatPeakHour(bucket string) string {
	t, err := time.Parse(store.HourLayout, bucket)
	if err != nil {
		return bucket
	}
	return fmt.Sprintf("%02d:00 - %02d:00", t.Hour(), (t.Hour()+1)%24)
}

// Daily folds hourly presence buckets into calendar days, mirroring the
// hourly metrics contract at day granularity.
func (a *Aggregator) Daily(days int) (map[string]*DayBucket, error) {
	v, err := a.cached(fmt.Sprintf("daily:%d", days), func() (any, error) {
		buckets, err := a.st.HourlyMetrics(days*24, "")
		if err != nil {
			return nil, err
		}
		daily := make(map[string]*DayBucket)
		for hour, b := range buckets {
			day := hour
			if i := strings.IndexByte(hour, ' '); i > 0 {
				day = hour[:i]
			}
			d := daily[day]
			if d == nil {
				d = &DayBucket{}
				daily[day] = d
			}
			d.DetectionCount += b.DetectionCount
			d.LeftToRight += b.LeftToRight
			d.RightToLeft += b.RightToLeft
			d.Unknown += b.Unknown
		}
		return daily, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*DayBucket), nil
}

// Heatmap is the spatial density placeholder: a sparse grid with a few
// deterministic hot spots per camera.
func (a *Aggregator) Heatmap(cameraID string, width, height int) [][]int {
	if width <= 0 {
		width = 10
	}
	if height <= 0 {
		height = 10
	}

	grid := make([][]int, height)
	for y := range grid {
		grid[y] = make([]int, width)
	}

	rng := rand.New(rand.NewSource(cameraSeed(cameraID)))
	spots := 3 + rng.Intn(4)
	for i := 0; i < spots; i++ {
		x := rng.Intn(width)
		y := rng.Intn(height)
		v := 1 + rng.Intn(10)
		grid[y][x] = v

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				nx, ny := x+dx, y+dy
				if nx >= 0 && nx < width && ny >= 0 && ny < height && grid[ny][nx] < v/2 {
					grid[ny][nx] = v / 2
				}
			}
		}
	}
	return grid
}

func (a *Aggregator) syntheticEnabled() bool {
	s, err := a.st.GetSetting(syntheticSettingKey)
	if err != nil {
		a.log.WithError(err).Debug("setting lookup failed")
		return a.syntheticDefault
	}
	if s == nil {
		return a.syntheticDefault
	}
	return s.Value == "true"
}

// cameraSeed folds a camera id into a stable seed so demo data keeps its
// shape across queries.
func cameraSeed(cameraID string) int64 {
	var seed int64
	for _, c := range cameraID {
		seed += int64(c)
	}
	return seed
}

func demoCount(cameraID string) int {
	rng := rand.New(rand.NewSource(cameraSeed(cameraID)))
	return 5 + rng.Intn(11)
}

// demoSeries fabricates one point per hour, seeded per camera and hour so
// the pattern is stable for the same camera.
func demoSeries(cameraID string, hours int) []store.HourPoint {
	seed := cameraSeed(cameraID)
	now := time.Now().UTC()

	points := make([]store.HourPoint, 0, hours)
	for i := hours; i > 0; i-- {
		rng := rand.New(rand.NewSource(seed + int64(i)))
		points = append(points, store.HourPoint{
			Hour:  now.Add(-time.Duration(i) * time.Hour).Format(store.HourLayout),
			Count: 1 + rng.Intn(10),
		})
	}
	return points
}
