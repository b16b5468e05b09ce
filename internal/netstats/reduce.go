package netstats

import (
	"net/http"

	"github.com/galois26/page-weight-monitor/internal/model"
)

// Reduce folds resolved events of one category into a StatsRecord.
func Reduce(events []model.LogicalLoadEvent) model.StatsRecord {
	var s model.StatsRecord
	for _, ev := range events {
		s.NumberRequested++
		if ev.Status == http.StatusNotFound {
			s.NumberNotFound++
		}
		s.TotalSize += ev.Size
	}
	return s
}

// Collector accumulates the events of a single page load. It is owned by one
// job and is not safe for concurrent use.
type Collector struct {
	images []model.LogicalLoadEvent
	bundle []model.LogicalLoadEvent
	bytes  []model.TransportByteEvent
}

// AddLogical classifies ev and keeps it unless its category is ignored.
func (c *Collector) AddLogical(ev model.LogicalLoadEvent) model.Category {
	cat := Classify(ev.ResourceType)
	switch cat {
	case model.CategoryImage:
		c.images = append(c.images, ev)
	case model.CategoryBundle:
		c.bundle = append(c.bundle, ev)
	}
	return cat
}

// AddBytes records a transport byte event.
func (c *Collector) AddBytes(ev model.TransportByteEvent) {
	c.bytes = append(c.bytes, ev)
}

// Len reports how many logical and byte events were kept.
func (c *Collector) Len() (logical, bytes int) {
	return len(c.images) + len(c.bundle), len(c.bytes)
}

// Stats resolves sizes over everything collected and reduces each category.
// Call it only once the page has settled and no more events can arrive.
func (c *Collector) Stats() model.PageStats {
	return model.PageStats{
		Images: Reduce(ResolveSizes(c.images, c.bytes)),
		Bundle: Reduce(ResolveSizes(c.bundle, c.bytes)),
	}
}
