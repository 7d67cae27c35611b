package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("/dev/serial0", "boot-1")

	c.IncFrameReceived()
	c.IncFrameReceived()
	c.IncFrameDecodeError()
	c.IncSendFailure()
	c.IncCommand("GET_DATA")
	c.IncCommand("GET_DATA")
	c.IncCommand("TAKE_PHOTO")
	c.IncMissionStarted()
	c.IncMissionCompleted()
	c.IncMissionFailed()
	c.IncHandlerPanic()
	c.AddDelivered(100)
	c.AddDelivered(50)
	c.IncRefused()
	c.AddPurgeErrors(3)
	c.AddPurgeErrors(0)
	c.IncArchiveWriteSuccess()
	c.IncArchiveWriteFailure()
	c.IncNotifyFailure()

	s := c.Snapshot()

	checks := []struct {
		name      string
		got, want int64
	}{
		{"FramesReceived", s.FramesReceived, 2},
		{"FrameDecodeErrors", s.FrameDecodeErrors, 1},
		{"SendFailures", s.SendFailures, 1},
		{"MissionsStarted", s.MissionsStarted, 1},
		{"MissionsCompleted", s.MissionsCompleted, 1},
		{"MissionsFailed", s.MissionsFailed, 1},
		{"HandlerPanics", s.HandlerPanics, 1},
		{"ArtifactsDelivered", s.ArtifactsDelivered, 2},
		{"BytesDelivered", s.BytesDelivered, 150},
		{"ArtifactsRefused", s.ArtifactsRefused, 1},
		{"PurgeErrors", s.PurgeErrors, 3},
		{"ArchiveWriteSuccess", s.ArchiveWriteSuccess, 1},
		{"ArchiveWriteFailure", s.ArchiveWriteFailure, 1},
		{"NotifyFailures", s.NotifyFailures, 1},
		{"CommandsByOpcode[GET_DATA]", s.CommandsByOpcode["GET_DATA"], 2},
		{"CommandsByOpcode[TAKE_PHOTO]", s.CommandsByOpcode["TAKE_PHOTO"], 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if s.Device != "/dev/serial0" || s.BootID != "boot-1" {
		t.Errorf("dimensions = %q/%q", s.Device, s.BootID)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.IncFrameReceived()
	c.IncCommand("GET_STATE")
	c.AddDelivered(10)
	c.IncMissionFailed()
	if s := c.Snapshot(); s.FramesReceived != 0 {
		t.Errorf("nil collector snapshot = %+v", s)
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector("", "")
	c.IncCommand("GET_STATE")
	s := c.Snapshot()
	c.IncCommand("GET_STATE")
	s.CommandsByOpcode["GET_STATE"] = 99

	if got := c.Snapshot().CommandsByOpcode["GET_STATE"]; got != 2 {
		t.Errorf("collector mutated through snapshot: got %d, want 2", got)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector("", "")
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncFrameReceived()
				c.IncCommand("GET_DATA")
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.FramesReceived != 1000 {
		t.Errorf("FramesReceived = %d, want 1000", s.FramesReceived)
	}
	if s.CommandsByOpcode["GET_DATA"] != 1000 {
		t.Errorf("GET_DATA = %d, want 1000", s.CommandsByOpcode["GET_DATA"])
	}
}
