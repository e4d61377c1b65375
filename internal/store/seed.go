package store

import (
	"context"
	"fmt"
	"log"
	"time"
)

// SeedDemoData populates the store with realistic MDR-style adverse event
// data for a handful of manufacturers, shaped to exercise each detection
// method: a clear monthly spike for one manufacturer/device, a gradual
// drift for another, and a flat baseline for a third, mirroring the
// teacher's own SeedDemoData shape (per-scenario blocks of makeEvent
// calls closed out with a summary log line).
func SeedDemoData(ctx context.Context, s interface {
	InsertEvent(ctx context.Context, e Event) error
	InsertDevice(ctx context.Context, d Device) error
}) error {
	var events []Event
	var devices []Device

	// ─── Acme Medical: flat baseline, then a clear spike in month 6 ───
	acmeMonths := []struct {
		month string
		count int
	}{
		{"2025-08", 4}, {"2025-09", 5}, {"2025-10", 4}, {"2025-11", 6}, {"2025-12", 5}, {"2026-01", 22},
	}
	for _, m := range acmeMonths {
		for i := 0; i < m.count; i++ {
			key := fmt.Sprintf("acme-%s-%02d", m.month, i)
			eventType := "M"
			if i%7 == 0 {
				eventType = "D"
			} else if i%3 == 0 {
				eventType = "IN"
			}
			events = append(events, makeEvent(key, m.month, eventType, "ACME MEDICAL INC", "ABC"))
			devices = append(devices, makeDevice(key, "PULSEGUARD", "CARDIAC MONITOR", "PG-"+m.month, "ACME MEDICAL INC", "ABC", i%5 == 0))
		}
	}

	// ─── Northwind Devices: a gradual upward drift across 6 months ───
	northwindCounts := []int{3, 4, 6, 8, 11, 14}
	for i, count := range northwindCounts {
		month := acmeMonths[i].month
		for j := 0; j < count; j++ {
			key := fmt.Sprintf("northwind-%s-%02d", month, j)
			eventType := "O"
			switch {
			case j%9 == 0:
				eventType = "D"
			case j%4 == 0:
				eventType = "M"
			}
			events = append(events, makeEvent(key, month, eventType, "NORTHWIND DEVICES LLC", "XYZ"))
			devices = append(devices, makeDevice(key, "FLOWRITE", "INFUSION PUMP", "FR-100", "NORTHWIND DEVICES LLC", "XYZ", false))
		}
	}

	// ─── Harbor Surgical: a flat, unremarkable baseline ───
	for _, m := range acmeMonths {
		for i := 0; i < 7; i++ {
			key := fmt.Sprintf("harbor-%s-%02d", m.month, i)
			events = append(events, makeEvent(key, m.month, "M", "HARBOR SURGICAL CO", "DEF"))
			devices = append(devices, makeDevice(key, "STEADYCLAMP", "SURGICAL CLAMP", "SC-200", "HARBOR SURGICAL CO", "DEF", false))
		}
	}

	for _, e := range events {
		if err := s.InsertEvent(ctx, e); err != nil {
			return fmt.Errorf("seeding event %s: %w", e.MDRReportKey, err)
		}
	}
	for _, d := range devices {
		if err := s.InsertDevice(ctx, d); err != nil {
			return fmt.Errorf("seeding device for %s: %w", d.MDRReportKey, err)
		}
	}

	log.Printf("seeded %d demo events across %d manufacturers", len(events), 3)
	return nil
}

func makeEvent(key, month, eventType, manufacturer, productCode string) Event {
	received := mustMonth(month)
	return Event{
		MDRReportKey:      key,
		DateReceived:      received,
		DateOfEvent:       &received,
		EventType:         eventType,
		ManufacturerClean: manufacturer,
		ProductCode:       productCode,
	}
}

func makeDevice(key, brand, generic, model, manufacturerD, productCode string, implant bool) Device {
	return Device{
		MDRReportKey:            key,
		BrandName:               brand,
		GenericName:             generic,
		ModelNumber:             model,
		ManufacturerDClean:      manufacturerD,
		DeviceReportProductCode: productCode,
		ImplantFlag:             implant,
	}
}

func mustMonth(month string) time.Time {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		log.Fatalf("invalid month literal %q: %v", month, err)
	}
	return t.AddDate(0, 0, 14)
}
