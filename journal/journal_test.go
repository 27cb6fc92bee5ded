package journal

import (
	"testing"
	"time"
)

func TestRequestRoundTrip(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	now := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		err := j.RecordRequest(&RequestRecord{
			Timestamp: now,
			Op:        "/invoke",
			Handle:    0xdead0000 + uint64(i),
			Detail:    "Score",
			OK:        i != 2,
			Error:     map[bool]string{true: "", false: "method not found"}[i != 2],
			Duration:  150 * time.Microsecond,
		})
		if err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}

	recs, err := j.RecentRequests(10)
	if err != nil {
		t.Fatalf("RecentRequests: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	// Newest first.
	if recs[0].Handle != 0xdead0002 || recs[0].OK {
		t.Errorf("newest record wrong: %+v", recs[0])
	}
	if recs[0].Duration != 150*time.Microsecond {
		t.Errorf("duration mangled: %v", recs[0].Duration)
	}
}

func TestDeliveryRoundTrip(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	err = j.RecordDelivery(&DeliveryRecord{
		Timestamp: time.Now(),
		Token:     7,
		Endpoint:  "127.0.0.1:9999",
		Key:       "event/ZoneChanged/0xabc",
		OK:        true,
	})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	recs, err := j.RecentDeliveries(1)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(recs) != 1 || recs[0].Token != 7 || recs[0].Endpoint != "127.0.0.1:9999" {
		t.Errorf("round trip mangled record: %+v", recs)
	}
}

func TestPassRecordInsert(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	err = j.RecordPass(&PassRecord{
		Timestamp: time.Now(),
		Filter:    "game.Player",
		Scanned:   120,
		Matched:   3,
		Duration:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordPass: %v", err)
	}
}
