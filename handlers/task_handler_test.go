package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"databounty-backend/bridge"
	"databounty-backend/chainsig"
	"databounty-backend/core/ledger"
	"databounty-backend/services"
	"databounty-backend/storage/auth"
	storage "databounty-backend/storage/ledger"
)

const (
	testChainID = "databounty-local"
	testAdmin   = "mAdminAdminAdminAdminAdminAdminAdm"
)

type testHarness struct {
	store      storage.Store
	tasks      *TaskHandler
	subs       *SubmissionHandler
	events     *EventHandler
	authH      *AuthHandler
	keys       *auth.APIKeyStore
	funding    *recordingFundingSource
	priv       *btcec.PrivateKey
	authority  string
	settlement *services.SettlementService
}

type recordingFundingSource struct {
	pulls []string
	fail  bool
}

func (f *recordingFundingSource) Pull(ctx context.Context, from string, amount int64, token string) error {
	if f.fail {
		return errors.New("allowance too low")
	}
	f.pulls = append(f.pulls, fmt.Sprintf("%s:%d:%s", from, amount, token))
	return nil
}

func newKeyAndAddress(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pk, err := btcutil.NewAddressPubKey(priv.PubKey().SerializeCompressed(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	return priv, pk.AddressPubKeyHash().EncodeAddress()
}

func signPayload(priv *btcec.PrivateKey, p chainsig.Payload) string {
	sig := ecdsa.SignCompact(priv, p.Hash(), true)
	return base64.StdEncoding.EncodeToString(sig)
}

func signMessage(priv *btcec.PrivateKey, message string) string {
	sig := ecdsa.SignCompact(priv, chainsig.MessageHash([]byte(message)), true)
	return base64.StdEncoding.EncodeToString(sig)
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	priv, authority := newKeyAndAddress(t)
	store := storage.NewMemoryStore(testChainID, testAdmin)
	verifier := chainsig.NewVerifier(authority, time.Hour)
	outbox := bridge.NewOutbox(bridge.NewMockTransport(), store, testChainID, 3)
	settlement := services.NewSettlementService(store, verifier, outbox, services.LogTreasury{}, testChainID)
	registry := auth.NewNonceRegistry(testChainID, "databounty-ledger", verifier)
	keys := auth.NewAPIKeyStore()
	qr := services.NewQRService(0)
	fundingSrc := &recordingFundingSource{}

	return &testHarness{
		store:      store,
		tasks:      NewTaskHandler(store, settlement, qr, fundingSrc, testChainID, ""),
		subs:       NewSubmissionHandler(store, settlement),
		events:     NewEventHandler(services.NewEventService(store)),
		authH:      NewAuthHandler(registry, keys, store),
		keys:       keys,
		funding:    fundingSrc,
		priv:       priv,
		authority:  authority,
		settlement: settlement,
	}
}

func (h *testHarness) do(t *testing.T, handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func (h *testHarness) doWithKey(t *testing.T, handler http.HandlerFunc, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func (h *testHarness) createTask(t *testing.T, funded int64) ledger.Task {
	t.Helper()
	rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks", CreateTaskRequest{
		Creator: "mCreatorCreatorCreatorCreatorCreat",
		Spec: ledger.TaskSpec{
			Title:               "label street signs",
			Description:         "photograph and label street signs",
			Language:            "en",
			DataType:            "image",
			RewardPerSubmission: 10,
			TotalReward:         funded,
			Deadline:            time.Now().Add(24 * time.Hour),
			MaxSubmissions:      10,
		},
		Amount:        funded,
		AttachedValue: funded,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create task: status %d body %s", rr.Code, rr.Body.String())
	}
	var task ledger.Task
	if err := json.Unmarshal(rr.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func TestTaskRoutes(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, 100)

	t.Run("get", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodGet, "/api/ledger/tasks/"+task.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d", rr.Code)
		}
		var got ledger.Task
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != task.ID || got.RemainingReward != 100 {
			t.Fatalf("unexpected task %+v", got)
		}
	})

	t.Run("list", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodGet, "/api/ledger/tasks", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d", rr.Code)
		}
		var body struct {
			Total int `json:"total"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Total != 1 {
			t.Fatalf("expected 1 task, got %d", body.Total)
		}
	})

	t.Run("rewards view", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodGet, "/api/ledger/tasks/"+task.ID+"/rewards", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d", rr.Code)
		}
		var calc ledger.RewardCalculation
		if err := json.Unmarshal(rr.Body.Bytes(), &calc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if calc.TotalFunded != 100 || calc.RemainingReward != 100 {
			t.Fatalf("unexpected calculation %+v", calc)
		}
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodGet, "/api/ledger/tasks/task_999", nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("invalid spec is 400", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks", CreateTaskRequest{
			Creator: "mCreatorCreatorCreatorCreatorCreat",
			Spec:    ledger.TaskSpec{Title: "no funding"},
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestCreateTaskSettlesFunding(t *testing.T) {
	h := newHarness(t)

	spec := ledger.TaskSpec{
		Title:               "transcribe recordings",
		DataType:            "audio",
		RewardPerSubmission: 10,
		Deadline:            time.Now().Add(24 * time.Hour),
		MaxSubmissions:      10,
	}

	t.Run("native attached value must match amount", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks", CreateTaskRequest{
			Creator:       "mCreatorCreatorCreatorCreatorCreat",
			Spec:          spec,
			Amount:        100,
			AttachedValue: 60,
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for short attached value, got %d body %s", rr.Code, rr.Body.String())
		}
		tasks, _ := h.store.ListTasks(context.Background(), ledger.TaskFilter{})
		if len(tasks) != 0 {
			t.Fatalf("underfunded task was recorded: %+v", tasks)
		}
	})

	t.Run("token payment pulls exactly the amount", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks", CreateTaskRequest{
			Creator:      "mCreatorCreatorCreatorCreatorCreat",
			Spec:         spec,
			PaymentToken: "tokenX",
			Amount:       100,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("token-funded create: status %d body %s", rr.Code, rr.Body.String())
		}
		want := "mCreatorCreatorCreatorCreatorCreat:100:tokenX"
		if len(h.funding.pulls) != 1 || h.funding.pulls[0] != want {
			t.Fatalf("funding pulls = %v, want [%s]", h.funding.pulls, want)
		}
	})

	t.Run("failed pull creates nothing", func(t *testing.T) {
		h := newHarness(t)
		h.funding.fail = true
		rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks", CreateTaskRequest{
			Creator:      "mCreatorCreatorCreatorCreatorCreat",
			Spec:         spec,
			PaymentToken: "tokenX",
			Amount:       100,
		})
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409 for failed pull, got %d", rr.Code)
		}
		tasks, _ := h.store.ListTasks(context.Background(), ledger.TaskFilter{})
		if len(tasks) != 0 {
			t.Fatalf("task recorded without settled funding: %+v", tasks)
		}
	})

	t.Run("invalid spec never moves value", func(t *testing.T) {
		rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks", CreateTaskRequest{
			Creator:      "mCreatorCreatorCreatorCreatorCreat",
			Spec:         ledger.TaskSpec{Title: "no reward"},
			PaymentToken: "tokenX",
			Amount:       100,
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		if len(h.funding.pulls) != 1 {
			t.Fatalf("invalid spec still pulled funding: %v", h.funding.pulls)
		}
	})
}

func TestSetActiveRequiresValidSignature(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, 100)

	req := services.SetActiveRequest{
		Caller:    task.Creator,
		Active:    false,
		Timestamp: time.Now().Unix(),
		Signature: base64.StdEncoding.EncodeToString(make([]byte, 65)),
	}
	rr := h.do(t, h.tasks.Tasks, http.MethodPost, "/api/ledger/tasks/"+task.ID+"/active", req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage signature, got %d", rr.Code)
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, 100)

	req := services.SubmissionRequest{
		Contributor: "mWorkerWorkerWorkerWorkerWorkerWor",
		TaskID:      task.ID,
		StorageURL:  "ipfs://bafytestcid",
		Timestamp:   time.Now().Unix(),
	}
	req.Signature = signPayload(h.priv, chainsig.SubmissionPayload(
		req.Contributor, req.TaskID, req.StorageURL, req.Metadata, req.PreferredRewardChain, req.Timestamp))

	rr := h.do(t, h.subs.Submissions, http.MethodPost, "/api/ledger/submissions", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", rr.Code, rr.Body.String())
	}
	var sub ledger.Submission
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.TaskID != task.ID {
		t.Fatalf("unexpected submission %+v", sub)
	}

	t.Run("fetch", func(t *testing.T) {
		rr := h.do(t, h.subs.Submissions, http.MethodGet, "/api/ledger/submissions/"+sub.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d", rr.Code)
		}
	})

	t.Run("by contributor", func(t *testing.T) {
		rr := h.do(t, h.subs.Submissions, http.MethodGet, "/api/ledger/submissions?contributor="+req.Contributor, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d", rr.Code)
		}
		var body struct {
			Total int `json:"total"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Total != 1 {
			t.Fatalf("expected 1 submission, got %d", body.Total)
		}
	})

	t.Run("unsigned submission is 401", func(t *testing.T) {
		bad := req
		bad.Signature = base64.StdEncoding.EncodeToString(make([]byte, 65))
		rr := h.do(t, h.subs.Submissions, http.MethodPost, "/api/ledger/submissions", bad)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestEventStreamEndpoint(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, 100)

	rr := h.do(t, h.events.Events, http.MethodGet, "/api/ledger/events?task_id="+task.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var body struct {
		Events  []ledger.Event `json:"events"`
		LastSeq int64          `json:"last_seq"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) == 0 {
		t.Fatal("expected events for created task")
	}
	if body.Events[0].Type != ledger.EventTaskCreated {
		t.Fatalf("expected task_created first, got %s", body.Events[0].Type)
	}
	if body.LastSeq != body.Events[len(body.Events)-1].Seq {
		t.Fatalf("last_seq %d does not match tail", body.LastSeq)
	}
}

func TestAuthChallengeFlow(t *testing.T) {
	h := newHarness(t)

	// The authority key doubles as a user wallet here.
	address := h.authority

	rr := h.do(t, h.authH.Auth, http.MethodGet, "/api/ledger/auth/challenge?address="+address, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("challenge: status %d", rr.Code)
	}
	var challengeResp struct {
		Challenge string `json:"challenge"`
		Nonce     uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &challengeResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	verify := VerifyRequest{
		Address:   address,
		Signature: signMessage(h.priv, challengeResp.Challenge),
	}
	rr = h.do(t, h.authH.Auth, http.MethodPost, "/api/ledger/auth/verify", verify)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rr.Code, rr.Body.String())
	}
	var verifyResp struct {
		Nonce  uint64 `json:"nonce"`
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &verifyResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verifyResp.APIKey == "" {
		t.Fatal("expected an issued api key")
	}
	if verifyResp.Nonce != challengeResp.Nonce+1 {
		t.Fatalf("expected nonce advance to %d, got %d", challengeResp.Nonce+1, verifyResp.Nonce)
	}

	t.Run("replay rejected", func(t *testing.T) {
		rr := h.do(t, h.authH.Auth, http.MethodPost, "/api/ledger/auth/verify", verify)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for replayed signature, got %d", rr.Code)
		}
	})
}

func TestAuthBindAttachesAddress(t *testing.T) {
	h := newHarness(t)
	h.keys.Seed("seeded-key", "ci", "seed")
	address := h.authority

	signChallenge := func(t *testing.T) string {
		t.Helper()
		rr := h.do(t, h.authH.Auth, http.MethodGet, "/api/ledger/auth/challenge?address="+address, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("challenge: status %d", rr.Code)
		}
		var resp struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return signMessage(h.priv, resp.Challenge)
	}

	rr := h.doWithKey(t, h.authH.Auth, http.MethodPost, "/api/ledger/auth/bind", "seeded-key",
		BindRequest{Address: address, Signature: signChallenge(t)})
	if rr.Code != http.StatusOK {
		t.Fatalf("bind: status %d body %s", rr.Code, rr.Body.String())
	}
	rec, ok := h.keys.Get("seeded-key")
	if !ok || rec.Address != address {
		t.Fatalf("key record after bind = %+v, %v", rec, ok)
	}

	t.Run("missing key is 401", func(t *testing.T) {
		rr := h.do(t, h.authH.Auth, http.MethodPost, "/api/ledger/auth/bind",
			BindRequest{Address: address, Signature: signChallenge(t)})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("unknown key is 404", func(t *testing.T) {
		rr := h.doWithKey(t, h.authH.Auth, http.MethodPost, "/api/ledger/auth/bind", "no-such-key",
			BindRequest{Address: address, Signature: signChallenge(t)})
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})
}
