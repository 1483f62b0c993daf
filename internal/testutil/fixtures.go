// Package testutil builds databases, images and submissions for tests.
package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/db"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/storage"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/uuid"
)

// BaseTime is the fake clock origin shared by tests.
var BaseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// Store is a migrated database plus a blob store in one temp directory.
type Store struct {
	Dir   string
	DB    *db.DB
	Repo  *db.SubmissionRepository
	Blobs *storage.BlobStore
}

// OpenStore creates a Store that is closed when the test ends.
func OpenStore(t testing.TB) *Store {
	t.Helper()
	dir := t.TempDir()
	return ReopenStore(t, dir)
}

// ReopenStore opens the Store in dir, as a restarted process would.
func ReopenStore(t testing.TB, dir string) *Store {
	t.Helper()
	database, err := db.Open(dir)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := db.NewSubmissionRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return &Store{
		Dir:   dir,
		DB:    database,
		Repo:  repo,
		Blobs: storage.NewBlobStore(filepath.Join(dir, "attachments")),
	}
}

// Photo returns a small PNG whose content depends on seed.
func Photo(seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, 48, 32))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8(rng.Intn(256))
		img.Pix[i+2] = uint8(rng.Intn(256))
		img.Pix[i+3] = 0xFF
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func common() models.Common {
	return models.Common{ClientID: "client-1", AgentID: "agent-7"}
}

// Washing returns a valid washing form for vehicleID.
func Washing(vehicleID string) *models.WashingForm {
	return &models.WashingForm{Common: common(), VehicleID: vehicleID, WashType: "complete"}
}

// TankRefill returns a valid tank refill form.
func TankRefill(tankID string, before, after float64) *models.TankRefillForm {
	return &models.TankRefillForm{
		Common:            common(),
		TankID:            tankID,
		FuelType:          "diesel",
		LevelBeforeLiters: before,
		LevelAfterLiters:  after,
	}
}

// Convoy returns a valid convoy form.
func Convoy(vehicleID string) *models.ConvoyForm {
	return &models.ConvoyForm{
		Common:           common(),
		VehicleID:        vehicleID,
		Step:             "pickup",
		FromAddress:      "12 rue du Port, Marseille",
		ToAddress:        "3 avenue Foch, Lyon",
		OdometerKm:       48210,
		FuelLevelPercent: 60,
	}
}

// Labels returns the minimal valid label set for kind.
func Labels(kind models.InterventionKind) []string {
	switch kind {
	case models.KindWashing:
		return []string{"before-1", "before-2", "after-1", "after-2"}
	case models.KindFuelDelivery:
		return []string{"ticket-1"}
	case models.KindTankRefill:
		return []string{"before-1", "after-1"}
	case models.KindConvoy:
		return append(append([]string{}, models.ConvoyPositions...), "signature-agent", "signature-client")
	}
	return nil
}

// Submission builds an unstaged queued record for form with the minimal
// attachment set; attachment bytes are distinct per seed and label.
func Submission(form models.Form, createdAt time.Time, seed int64) *models.PendingSubmission {
	labels := Labels(form.Kind())
	refs := make([]models.AttachmentRef, len(labels))
	for i, l := range labels {
		refs[i] = models.AttachmentRef{
			Label:       l,
			Role:        models.RoleForLabel(l),
			ContentType: "image/png",
			Data:        Photo(seed*100 + int64(i)),
		}
	}
	return &models.PendingSubmission{
		LocalID:     uuid.New(),
		Kind:        form.Kind(),
		Form:        form,
		Attachments: refs,
		CreatedAt:   createdAt,
		SyncState:   models.StateQueued,
	}
}

// LocalID returns a fixed valid v4 id for n.
func LocalID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}
