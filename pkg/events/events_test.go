package events

import (
	"fetchkit/pkg/common"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiFansOutInOrder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, Nop{}, b}

	sink.DownloadProgress(DownloadEvent{DownloadID: "1", Status: common.StatusDownloading, Progress: 10})
	sink.ExtractionProgress(ExtractionEvent{DownloadID: "1", Status: common.ExtractionExtracting, Progress: 5})

	for _, r := range []*Recorder{a, b} {
		assert.Len(t, r.Downloads(), 1)
		assert.Len(t, r.Extractions(), 1)
		assert.Equal(t, 10.0, r.Downloads()[0].Progress)
	}
}

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(1)
	c.DownloadProgress(DownloadEvent{DownloadID: "1", Progress: 1})
	c.DownloadProgress(DownloadEvent{DownloadID: "1", Progress: 2})
	c.ExtractionProgress(ExtractionEvent{DownloadID: "1"})

	assert.Equal(t, 1, c.Dropped())
	ev := <-c.Downloads
	assert.Equal(t, 1.0, ev.Progress)
	assert.Len(t, c.Extractions, 1)
}

func TestRecorderReturnsCopies(t *testing.T) {
	r := &Recorder{}
	r.DownloadProgress(DownloadEvent{DownloadID: "1"})
	got := r.Downloads()
	got[0].DownloadID = "changed"
	assert.Equal(t, "1", r.Downloads()[0].DownloadID)
}
