package model

import "time"

// Category is the statistics bucket a resource is counted in.
type Category string

const (
	CategoryImage   Category = "image"
	CategoryBundle  Category = "bundle"
	CategoryIgnored Category = "ignored"
)

// Name is the label value used for the category in persisted samples
// ("images" / "bundle"), matching the historical series names.
func (c Category) Name() string {
	if c == CategoryImage {
		return "images"
	}
	return string(c)
}

// TransportByteEvent reports received bytes for an in-flight request.
// Lengths are cumulative for the request, so the latest event is authoritative.
type TransportByteEvent struct {
	RequestID     string
	EncodedLength uint64
	RawLength     uint64
}

// LogicalLoadEvent is one response as seen by the page. Size is 0 until the
// size resolver fills it in.
type LogicalLoadEvent struct {
	RequestID    string
	URL          string
	Status       uint16
	ResourceType string
	Size         uint64
}

// StatsRecord is the reduced statistics of one category for one page load.
type StatsRecord struct {
	NumberRequested uint64 `json:"numberRequested"`
	NumberNotFound  uint64 `json:"numberNotFound"`
	TotalSize       uint64 `json:"totalSize"` // bytes
}

// PageStats holds both category records of a page load.
type PageStats struct {
	Images StatsRecord
	Bundle StatsRecord
}

// Viewport is the emulated window size.
type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Job is one fully resolved page to measure.
type Job struct {
	URL           string
	Label         string
	UserAgent     string
	Tag           string
	Viewport      Viewport
	Timeout       time.Duration // 0 = wait for network idle indefinitely
	WaitAfterLoad time.Duration
	Block         []string          // URL patterns failed by the browser
	Labels        map[string]string // static labels copied to every sample
}

// SampleTag is the identifying tag persisted with the job's samples.
func (j Job) SampleTag() string {
	if j.Tag != "" {
		return j.Tag
	}
	return j.UserAgent
}

// Sample is one persisted record: the stats of one category of one job run.
type Sample struct {
	Time     time.Time
	URL      string
	Category Category
	Label    string
	Tag      string
	Labels   map[string]string
	Stats    StatsRecord
}
