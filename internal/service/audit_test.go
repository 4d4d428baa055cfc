package service

import (
	"testing"

	"github.com/GoBrokerHub/brokergate/internal/model"
)

func TestAuditLogAfterCloseIsDropped(t *testing.T) {
	audit, err := NewAuditService(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewAuditService: %v", err)
	}

	audit.Event(model.AuditTaskRetired, "u1", "", "o1", nil)
	audit.Close()

	// A request finishing during shutdown must not panic the process.
	audit.Event(model.AuditHTTPRequest, "u1", "", "", nil)

	// Close is idempotent.
	audit.Close()
}
