package notification

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_PatientAccountCreated(t *testing.T) {
	eng := NewTemplateEngine()
	subject, body, err := eng.Render(TemplatePatientAccountCreated, map[string]string{
		"first_name": "Sarah",
		"last_name":  "Connor",
		"patient_id": "0191f0c4-0000-7000-8000-000000000001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject == "" {
		t.Error("expected a subject")
	}
	if !strings.Contains(body, "Sarah Connor") || !strings.Contains(body, "0191f0c4-0000-7000-8000-000000000001") {
		t.Errorf("body missing patient data: %q", body)
	}
}

func TestTemplateEngine_UnmatchedPlaceholderLeftAsIs(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "t", Subject: "{{a}}", Body: "{{b}}"})
	subject, body, _ := eng.Render("t", map[string]string{"a": "x"})
	if subject != "x" || body != "{{b}}" {
		t.Errorf("got subject=%q body=%q", subject, body)
	}
}

func TestTemplateEngine_ConcurrentAccess(t *testing.T) {
	eng := NewTemplateEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			eng.RegisterTemplate(Template{ID: "dyn", Subject: "s", Body: "b"})
		}()
		go func() {
			defer wg.Done()
			eng.Render(TemplatePatientAccountCreated, nil)
		}()
	}
	wg.Wait()
}

func TestLogSender_LogsRecipient(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Logger: zerolog.New(&buf)}
	if err := s.SendEmail(context.Background(), "sarah@example.com", "Hi", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "sarah@example.com") {
		t.Errorf("expected recipient in log output, got %q", buf.String())
	}
}

func TestMockEmailSender_FailTimes(t *testing.T) {
	m := &MockEmailSender{FailTimes: 1}
	if err := m.SendEmail(context.Background(), "a@b.c", "s", "b"); err == nil {
		t.Error("expected first call to fail")
	}
	if err := m.SendEmail(context.Background(), "a@b.c", "s", "b"); err != nil {
		t.Errorf("expected second call to succeed, got %v", err)
	}
	if len(m.Calls()) != 2 {
		t.Errorf("expected 2 recorded calls, got %d", len(m.Calls()))
	}
}
