// Package ingest turns queued kiosk detections into attendance actions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/faceclient"
	"classattend/internal/queue"
)

// Detector is the part of attendance.Service a processor drives.
type Detector interface {
	Detect(ctx context.Context, studentID string, at time.Time) (attendance.DetectResult, error)
}

// Identifier resolves an image to a student.
type Identifier interface {
	Identify(ctx context.Context, imageURL string, threshold float64) (faceclient.SearchMatch, error)
}

// Processor consumes detections from a queue.
type Processor struct {
	detector  Detector
	face      Identifier
	threshold float64
}

// NewProcessor creates a processor. face may be nil when kiosks always send
// student ids.
func NewProcessor(detector Detector, face Identifier, threshold float64) *Processor {
	return &Processor{detector: detector, face: face, threshold: threshold}
}

// Run handles messages until the queue closes or ctx is done.
func (p *Processor) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	for msg := range messages {
		if msg.Type != queue.TypeDetection {
			log.Printf("skipping message of type %q", msg.Type)
			continue
		}
		det, err := msg.Detection()
		if err != nil {
			log.Printf("bad detection message: %v", err)
			continue
		}
		res, err := p.Handle(ctx, det)
		if err != nil {
			log.Printf("detection %s from %s failed: %v", det.ID, det.DeviceID, err)
			continue
		}
		log.Printf("detection %s: student %s %s", det.ID, det.StudentID, res.Outcome)
	}
	return nil
}

// Handle resolves and routes a single detection.
func (p *Processor) Handle(ctx context.Context, det queue.Detection) (attendance.DetectResult, error) {
	if det.StudentID == "" {
		if p.face == nil || det.ImageURL == "" {
			return attendance.DetectResult{}, errors.New("detection has no student id or image")
		}
		match, err := p.face.Identify(ctx, det.ImageURL, p.threshold)
		if err != nil {
			return attendance.DetectResult{}, fmt.Errorf("identify: %w", err)
		}
		det.StudentID = match.UserID
	}
	at := det.DetectedAt
	if at.IsZero() {
		at = time.Now()
	}
	return p.detector.Detect(ctx, det.StudentID, at)
}
