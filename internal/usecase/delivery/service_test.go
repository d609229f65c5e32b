package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-quiz-bot/internal/domain"
)

// fakeMessenger отправляет по сценарию: ошибка на получателя берётся
// из failures, порядок вызовов записывается.
type fakeMessenger struct {
	failures  map[int64]error
	sendOrder []int64
	sentBody  map[int64]string
	deleted   []int
	deleteErr map[int]error
	selfCalls int
	nextMsgID int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		failures:  map[int64]error{},
		sentBody:  map[int64]string{},
		deleteErr: map[int]error{},
	}
}

func (f *fakeMessenger) Send(_ context.Context, r domain.Recipient, body string, _ domain.Attachment, _ []domain.ButtonRow) (int, error) {
	f.sendOrder = append(f.sendOrder, r.ID)
	if err := f.failures[r.ID]; err != nil {
		return 0, err
	}
	f.nextMsgID++
	f.sentBody[r.ID] = body
	return f.nextMsgID, nil
}

func (f *fakeMessenger) Delete(_ context.Context, _ int64, messageID int) error {
	if err := f.deleteErr[messageID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMessenger) Self(context.Context) (string, error) {
	f.selfCalls++
	return "КвизБот", nil
}

// fakeLedger — леджер в памяти. Сводка всегда пересчитывается
// по записям, как в настоящем хранилище.
type fakeLedger struct {
	specs     map[string]domain.BroadcastSpec
	records   []domain.DeliveryRecord
	kinds     map[int64]domain.RecipientKind
	audits    []domain.BroadcastAudit
	recordErr map[int64]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		specs:     map[string]domain.BroadcastSpec{},
		kinds:     map[int64]domain.RecipientKind{},
		recordErr: map[int64]error{},
	}
}

func (f *fakeLedger) SaveSpec(_ context.Context, spec domain.BroadcastSpec) error {
	f.specs[spec.ID] = spec
	return nil
}

func (f *fakeLedger) GetSpec(_ context.Context, id string) (domain.BroadcastSpec, error) {
	spec, ok := f.specs[id]
	if !ok {
		return domain.BroadcastSpec{}, domain.ErrSpecNotFound
	}
	return spec, nil
}

func (f *fakeLedger) Record(_ context.Context, rec domain.DeliveryRecord) error {
	if err := f.recordErr[rec.RecipientID]; err != nil {
		return err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) ListDelivered(_ context.Context, id string) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	for _, rec := range f.records {
		if rec.BroadcastID == id && rec.Outcome == domain.OutcomeSent {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeLedger) Report(_ context.Context, id string) (domain.DeliveryReport, error) {
	var rep domain.DeliveryReport
	for _, rec := range f.records {
		if rec.BroadcastID != id {
			continue
		}
		switch rec.Outcome {
		case domain.OutcomeSent:
			if f.kinds[rec.RecipientID] == domain.RecipientGroup {
				rep.SentGroup++
			} else {
				rep.SentDirect++
			}
		case domain.OutcomeFailed:
			rep.Failed++
		case domain.OutcomeSkipped:
			rep.Skipped++
		}
	}
	return rep, nil
}

func (f *fakeLedger) Purge(_ context.Context, id string, audit domain.BroadcastAudit) error {
	delete(f.specs, id)
	var kept []domain.DeliveryRecord
	for _, rec := range f.records {
		if rec.BroadcastID != id {
			kept = append(kept, rec)
		}
	}
	f.records = kept
	f.audits = append(f.audits, audit)
	return nil
}

func (f *fakeLedger) LatestBroadcastID(_ context.Context) (string, error) {
	return "", domain.ErrSpecNotFound
}

// fakeRecipients отслеживает только деактивации.
type fakeRecipients struct {
	deactivated []int64
}

func (f *fakeRecipients) Upsert(_ context.Context, r domain.Recipient) (domain.Recipient, error) {
	return r, nil
}
func (f *fakeRecipients) GetByID(context.Context, int64) (domain.Recipient, error) {
	return domain.Recipient{}, domain.ErrRecipientNotFound
}
func (f *fakeRecipients) ListActive(context.Context) ([]domain.Recipient, error) { return nil, nil }
func (f *fakeRecipients) SetActive(_ context.Context, id int64, active bool) error {
	if !active {
		f.deactivated = append(f.deactivated, id)
	}
	return nil
}
func (f *fakeRecipients) CountActive(context.Context) (int, int, error) { return 0, 0, nil }

type testEnv struct {
	svc       *Service
	messenger *fakeMessenger
	ledger    *fakeLedger
	repo      *fakeRecipients
	slept     *int
}

func newTestEnv() *testEnv {
	messenger := newFakeMessenger()
	ledger := newFakeLedger()
	repo := &fakeRecipients{}
	svc := NewService(messenger, ledger, repo, zerolog.Nop())
	slept := 0
	svc.sleep = func(time.Duration) { slept++ }
	return &testEnv{svc: svc, messenger: messenger, ledger: ledger, repo: repo, slept: &slept}
}

func directRecipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.Recipient{ID: int64(i), Kind: domain.RecipientDirect, DisplayName: fmt.Sprintf("user-%d", i), Active: true})
	}
	return out
}

func TestExecute_BlockedRecipientSkippedAndDeactivated(t *testing.T) {
	env := newTestEnv()
	env.messenger.failures[2] = errors.New("Forbidden: bot was blocked by the user")

	spec := domain.BroadcastSpec{ID: "b1", Body: "привет"}
	report, err := env.svc.Execute(context.Background(), spec, directRecipients(3))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.SentDirect != 2 || report.Skipped != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(env.repo.deactivated) != 1 || env.repo.deactivated[0] != 2 {
		t.Fatalf("deactivated = %v, want [2]", env.repo.deactivated)
	}
	// Остальные получатели доставлены, батч не прерван.
	if got := []int64{env.messenger.sendOrder[0], env.messenger.sendOrder[1], env.messenger.sendOrder[2]}; got[2] != 3 {
		t.Fatalf("send order = %v", env.messenger.sendOrder)
	}
}

func TestExecute_TransientFailureKeepsRecipientActive(t *testing.T) {
	env := newTestEnv()
	env.messenger.failures[1] = errors.New("Bad Gateway")

	report, err := env.svc.Execute(context.Background(), domain.BroadcastSpec{ID: "b1"}, directRecipients(2))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Failed != 1 || report.SentDirect != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(env.repo.deactivated) != 0 {
		t.Fatalf("transient failure must not deactivate: %v", env.repo.deactivated)
	}
}

func TestExecute_ClassificationTable(t *testing.T) {
	cases := []struct {
		err   string
		class string
	}{
		{"Forbidden: bot was blocked by the user", classBlocked},
		{"Forbidden: user is deactivated", classDeactivated},
		{"Bad Request: chat not found", classChatNotFound},
		{"Forbidden: bot was kicked from the group chat", classKicked},
		{"context deadline exceeded", classError},
		{"Too Many Requests: retry after 5", classError},
	}
	for _, tc := range cases {
		if got := classify(errors.New(tc.err)); got != tc.class {
			t.Fatalf("classify(%q) = %q, want %q", tc.err, got, tc.class)
		}
	}
}

func TestExecute_LedgerPrefixOnRecordFailure(t *testing.T) {
	env := newTestEnv()
	env.ledger.recordErr[3] = errors.New("connection refused")

	_, err := env.svc.Execute(context.Background(), domain.BroadcastSpec{ID: "b1"}, directRecipients(5))
	if err == nil {
		t.Fatalf("expected error on ledger failure")
	}
	// Записи леджера — непрерывный префикс порядка отправки.
	if len(env.ledger.records) != 2 {
		t.Fatalf("ledger has %d records, want prefix of 2", len(env.ledger.records))
	}
	for i, rec := range env.ledger.records {
		if rec.RecipientID != int64(i+1) {
			t.Fatalf("ledger order broken: %+v", env.ledger.records)
		}
	}
	// Отправка дальше третьего получателя не пошла.
	if len(env.messenger.sendOrder) != 3 {
		t.Fatalf("sends after ledger failure: %v", env.messenger.sendOrder)
	}
}

func TestExecute_ThrottleDecision(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.Execute(context.Background(), domain.BroadcastSpec{ID: "b1"}, directRecipients(10)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if *env.slept != 0 {
		t.Fatalf("small batch must not throttle, slept %d times", *env.slept)
	}

	env = newTestEnv()
	if _, err := env.svc.Execute(context.Background(), domain.BroadcastSpec{ID: "b2"}, directRecipients(11)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if *env.slept != 10 {
		t.Fatalf("large batch: slept %d times, want 10", *env.slept)
	}
}

func TestExecute_PlaceholderResolution(t *testing.T) {
	env := newTestEnv()

	spec := domain.BroadcastSpec{ID: "b1", Body: "Привет, {name}! Это {bot_name}, чат {chat_id}."}
	recipients := directRecipients(15)
	if _, err := env.svc.Execute(context.Background(), spec, recipients); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := env.messenger.sentBody[7]; got != "Привет, user-7! Это КвизБот, чат 7." {
		t.Fatalf("resolved body = %q", got)
	}
	// Личность бота запрашивается один раз на батч.
	if env.messenger.selfCalls != 1 {
		t.Fatalf("Self called %d times, want 1", env.messenger.selfCalls)
	}
}

func TestExecute_GroupAndDirectCountedSeparately(t *testing.T) {
	env := newTestEnv()
	env.ledger.kinds[2] = domain.RecipientGroup

	recipients := []domain.Recipient{
		{ID: 1, Kind: domain.RecipientDirect, Active: true},
		{ID: 2, Kind: domain.RecipientGroup, Active: true},
	}
	report, err := env.svc.Execute(context.Background(), domain.BroadcastSpec{ID: "b1"}, recipients)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.SentDirect != 1 || report.SentGroup != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRetract_DeletesAndPurges(t *testing.T) {
	env := newTestEnv()
	spec := domain.BroadcastSpec{ID: "b1", Body: "x"}
	if err := env.ledger.SaveSpec(context.Background(), spec); err != nil {
		t.Fatalf("save spec: %v", err)
	}
	if _, err := env.svc.Execute(context.Background(), spec, directRecipients(3)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	report, err := env.svc.Retract(context.Background(), "b1")
	if err != nil {
		t.Fatalf("retract: %v", err)
	}
	if report.Deleted != 3 || report.Failed != 0 || report.NothingToRetract {
		t.Fatalf("report = %+v", report)
	}
	if len(env.ledger.specs) != 0 || len(env.ledger.records) != 0 {
		t.Fatalf("broadcast not purged")
	}
	if len(env.ledger.audits) != 1 || env.ledger.audits[0].Deleted != 3 || env.ledger.audits[0].Sent != 3 {
		t.Fatalf("audit = %+v", env.ledger.audits)
	}
}

func TestRetract_PartialDeleteFailures(t *testing.T) {
	env := newTestEnv()
	spec := domain.BroadcastSpec{ID: "b1", Body: "x"}
	if err := env.ledger.SaveSpec(context.Background(), spec); err != nil {
		t.Fatalf("save spec: %v", err)
	}
	if _, err := env.svc.Execute(context.Background(), spec, directRecipients(3)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	env.messenger.deleteErr[2] = errors.New("Bad Request: message to delete not found")

	report, err := env.svc.Retract(context.Background(), "b1")
	if err != nil {
		t.Fatalf("retract: %v", err)
	}
	// Отказ на одном сообщении не прерывает отзыв остальных.
	if report.Deleted != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(env.ledger.audits) != 1 {
		t.Fatalf("audit row missing after partial failure")
	}
}

func TestRetract_UnknownBroadcastIsNoop(t *testing.T) {
	env := newTestEnv()

	report, err := env.svc.Retract(context.Background(), "missing")
	if err != nil {
		t.Fatalf("retract: %v", err)
	}
	if !report.NothingToRetract {
		t.Fatalf("expected NothingToRetract, got %+v", report)
	}
	if len(env.messenger.deleted) != 0 {
		t.Fatalf("unknown broadcast must not call the API")
	}
}

func TestRetract_SecondRetractIsNoop(t *testing.T) {
	env := newTestEnv()
	spec := domain.BroadcastSpec{ID: "b1", Body: "x"}
	if err := env.ledger.SaveSpec(context.Background(), spec); err != nil {
		t.Fatalf("save spec: %v", err)
	}
	if _, err := env.svc.Execute(context.Background(), spec, directRecipients(2)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := env.svc.Retract(context.Background(), "b1"); err != nil {
		t.Fatalf("first retract: %v", err)
	}

	calls := len(env.messenger.deleted)
	report, err := env.svc.Retract(context.Background(), "b1")
	if err != nil {
		t.Fatalf("second retract: %v", err)
	}
	if !report.NothingToRetract {
		t.Fatalf("second retract: %+v", report)
	}
	if len(env.messenger.deleted) != calls {
		t.Fatalf("second retract made API calls")
	}
}

func TestResolvePlaceholders_NoTokens(t *testing.T) {
	r := domain.Recipient{ID: 5, DisplayName: "Иван"}
	if got := resolvePlaceholders("без токенов", r, "бот"); got != "без токенов" {
		t.Fatalf("got %q", got)
	}
	if got := resolvePlaceholders("", r, "бот"); got != "" {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(resolvePlaceholders("{name}", r, "бот"), "Иван") {
		t.Fatalf("name not resolved")
	}
}
