package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"databounty-backend/core/ledger"
)

const (
	testChainID = "databounty-local"
	testAdmin   = "mvdAdminAddressXXXXXXXXXXXXXXXXXXX"
	testCreator = "mvd6qFeVkqH6MNAS2Y2cLifbdaX5XUkbZJ"
	testWorker  = "n1WorkerAddressYYYYYYYYYYYYYYYYYYY"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(testChainID, testAdmin)
}

func validSpec() ledger.TaskSpec {
	return ledger.TaskSpec{
		Title:               "Swahili voice samples",
		Description:         "Record 30s voice clips",
		Language:            "sw",
		DataType:            "audio",
		RewardPerSubmission: 10,
		TotalReward:         100,
		Deadline:            time.Now().Add(24 * time.Hour),
		MaxSubmissions:      10,
	}
}

func createTestTask(t *testing.T, s *MemoryStore) ledger.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), CreateTaskParams{
		Creator:       testCreator,
		Spec:          validSpec(),
		SourceChainID: testChainID,
		PaymentToken:  ledger.NativeToken,
		Amount:        100,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateTaskParams)
	}{
		{"zero amount", func(p *CreateTaskParams) { p.Amount = 0 }},
		{"negative amount", func(p *CreateTaskParams) { p.Amount = -5 }},
		{"past deadline", func(p *CreateTaskParams) { p.Spec.Deadline = time.Now().Add(-time.Hour) }},
		{"zero max submissions", func(p *CreateTaskParams) { p.Spec.MaxSubmissions = 0 }},
		{"zero reward per submission", func(p *CreateTaskParams) { p.Spec.RewardPerSubmission = 0 }},
		{"bad data type", func(p *CreateTaskParams) { p.Spec.DataType = "hologram" }},
		{"overcommitted reward", func(p *CreateTaskParams) { p.Spec.RewardPerSubmission = 11 }},
		{"empty creator", func(p *CreateTaskParams) { p.Creator = "  " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := CreateTaskParams{
				Creator:       testCreator,
				Spec:          validSpec(),
				SourceChainID: testChainID,
				Amount:        100,
			}
			tc.mutate(&params)
			if _, err := s.CreateTask(ctx, params); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}

	if tasks, _ := s.ListTasks(ctx, ledger.TaskFilter{}); len(tasks) != 0 {
		t.Fatalf("rejected creates leaked %d tasks", len(tasks))
	}
}

func TestCreateTaskFundingStatus(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	local := createTestTask(t, s)
	if local.FundingStatus != ledger.FundingSettled {
		t.Errorf("local-chain task funding = %q, want %q", local.FundingStatus, ledger.FundingSettled)
	}
	if local.ID != "task_1" {
		t.Errorf("first task id = %q, want task_1", local.ID)
	}
	if local.RemainingReward != local.TotalFunded {
		t.Errorf("remaining %d != funded %d at creation", local.RemainingReward, local.TotalFunded)
	}

	foreign, err := s.CreateTask(ctx, CreateTaskParams{
		Creator:       testCreator,
		Spec:          validSpec(),
		SourceChainID: "chain-b",
		PaymentToken:  "tokenX",
		Amount:        100,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if foreign.FundingStatus != ledger.FundingProvisional {
		t.Errorf("cross-chain task funding = %q, want %q", foreign.FundingStatus, ledger.FundingProvisional)
	}

	confirmed, err := s.ConfirmFunding(ctx, foreign.ID)
	if err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	if confirmed.FundingStatus != ledger.FundingConfirmed {
		t.Errorf("confirmed funding = %q, want %q", confirmed.FundingStatus, ledger.FundingConfirmed)
	}

	// Confirming a settled task is a no-op.
	again, err := s.ConfirmFunding(ctx, local.ID)
	if err != nil {
		t.Fatalf("ConfirmFunding on settled task failed: %v", err)
	}
	if again.FundingStatus != ledger.FundingSettled {
		t.Errorf("settled task changed to %q", again.FundingStatus)
	}
}

func TestSetTaskActiveAuthorization(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	task := createTestTask(t, s)

	if _, err := s.SetTaskActive(ctx, task.ID, testWorker, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger toggle err = %v, want ErrUnauthorized", err)
	}
	got, err := s.SetTaskActive(ctx, task.ID, testCreator, false)
	if err != nil {
		t.Fatalf("creator toggle failed: %v", err)
	}
	if got.Active {
		t.Fatal("task still active after creator toggle")
	}
	if _, err := s.SetTaskActive(ctx, task.ID, testAdmin, true); err != nil {
		t.Fatalf("admin toggle failed: %v", err)
	}
	if _, err := s.SetTaskActive(ctx, "task_999", testCreator, false); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing task err = %v, want ErrTaskNotFound", err)
	}
}

func TestAddSubmissionPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown task", func(t *testing.T) {
		s := newTestStore()
		if _, err := s.AddSubmission(ctx, "task_404", testWorker, "ipfs://x", "", testChainID); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("err = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("inactive task", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		if _, err := s.SetTaskActive(ctx, task.ID, testCreator, false); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://x", "", testChainID); !errors.Is(err, ErrTaskInactive) {
			t.Fatalf("err = %v, want ErrTaskInactive", err)
		}
	})

	t.Run("capacity", func(t *testing.T) {
		s := newTestStore()
		spec := validSpec()
		spec.MaxSubmissions = 2
		spec.RewardPerSubmission = 50
		task, err := s.CreateTask(ctx, CreateTaskParams{
			Creator: testCreator, Spec: spec, SourceChainID: testChainID, Amount: 100,
		})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if _, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://x", "", testChainID); err != nil {
				t.Fatalf("submission %d failed: %v", i+1, err)
			}
		}
		if _, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://x", "", testChainID); !errors.Is(err, ErrSubmissionLimit) {
			t.Fatalf("err = %v, want ErrSubmissionLimit", err)
		}
	})

	t.Run("deterministic ids", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		first, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://a", "", testChainID)
		if err != nil {
			t.Fatal(err)
		}
		second, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://b", "", testChainID)
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != "sub_task_1_1" || second.ID != "sub_task_1_2" {
			t.Errorf("submission ids = %q, %q", first.ID, second.ID)
		}
	})
}

func TestApplyVerification(t *testing.T) {
	ctx := context.Background()

	t.Run("approval debits and settles once", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		sub, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://a", "", "chain-b")
		if err != nil {
			t.Fatal(err)
		}

		verified, stl, err := s.ApplyVerification(ctx, sub.ID, 85, true)
		if err != nil {
			t.Fatalf("ApplyVerification failed: %v", err)
		}
		if !verified.Verified || !verified.Rewarded || verified.QualityScore != 85 {
			t.Errorf("submission after approval: %+v", verified)
		}
		if stl == nil {
			t.Fatal("approval returned nil settlement")
		}
		if stl.ID != "stl_"+sub.ID {
			t.Errorf("settlement id = %q", stl.ID)
		}
		if stl.Amount != 10 || stl.Recipient != testWorker || stl.TargetChain != "chain-b" {
			t.Errorf("settlement = %+v", stl)
		}
		got, _ := s.GetTask(ctx, task.ID)
		if got.RemainingReward != 90 {
			t.Errorf("remaining after one approval = %d, want 90", got.RemainingReward)
		}

		// Re-verifying the same submission must fail and change nothing.
		if _, _, err := s.ApplyVerification(ctx, sub.ID, 99, true); !errors.Is(err, ErrAlreadyVerified) {
			t.Fatalf("second verification err = %v, want ErrAlreadyVerified", err)
		}
		got, _ = s.GetTask(ctx, task.ID)
		if got.RemainingReward != 90 {
			t.Errorf("remaining changed on rejected re-verification: %d", got.RemainingReward)
		}
	})

	t.Run("rejection does not debit", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		sub, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://a", "", "")
		if err != nil {
			t.Fatal(err)
		}
		verified, stl, err := s.ApplyVerification(ctx, sub.ID, 20, false)
		if err != nil {
			t.Fatalf("ApplyVerification failed: %v", err)
		}
		if stl != nil {
			t.Fatal("rejection produced a settlement")
		}
		if !verified.Verified || verified.Rewarded {
			t.Errorf("submission after rejection: %+v", verified)
		}
		got, _ := s.GetTask(ctx, task.ID)
		if got.RemainingReward != 100 {
			t.Errorf("remaining after rejection = %d, want 100", got.RemainingReward)
		}
	})

	t.Run("insufficient reward rejects whole call", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		sub, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://a", "", "")
		if err != nil {
			t.Fatal(err)
		}
		// Drain the pool below one reward.
		if _, err := s.DebitClaim(ctx, testCreator, task.ID, 95, testChainID, testCreator); err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.ApplyVerification(ctx, sub.ID, 85, true); !errors.Is(err, ErrInsufficientReward) {
			t.Fatalf("err = %v, want ErrInsufficientReward", err)
		}
		// The verification flag must not have been set either.
		got, _ := s.GetSubmission(ctx, sub.ID)
		if got.Verified {
			t.Fatal("submission marked verified by a rejected call")
		}
	})
}

func TestDebitBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("overdraw rejected in full", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		_, err := s.DebitBatch(ctx, task.ID,
			[]string{testWorker, testCreator},
			[]int64{60, 60},
			[]string{testChainID, "chain-b"})
		if !errors.Is(err, ErrInsufficientReward) {
			t.Fatalf("err = %v, want ErrInsufficientReward", err)
		}
		got, _ := s.GetTask(ctx, task.ID)
		if got.RemainingReward != 100 {
			t.Errorf("remaining after rejected batch = %d, want 100 (no prefix paid)", got.RemainingReward)
		}
	})

	t.Run("mismatched arrays rejected", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		if _, err := s.DebitBatch(ctx, task.ID, []string{testWorker}, []int64{10, 20}, []string{testChainID}); err == nil {
			t.Fatal("expected error for mismatched arrays")
		}
		if _, err := s.DebitBatch(ctx, task.ID, nil, nil, nil); err == nil {
			t.Fatal("expected error for empty batch")
		}
		if _, err := s.DebitBatch(ctx, task.ID, []string{testWorker}, []int64{0}, []string{testChainID}); err == nil {
			t.Fatal("expected error for zero amount")
		}
	})

	t.Run("successful batch debits sum once", func(t *testing.T) {
		s := newTestStore()
		task := createTestTask(t, s)
		settlements, err := s.DebitBatch(ctx, task.ID,
			[]string{testWorker, testCreator},
			[]int64{30, 20},
			[]string{testChainID, "chain-b"})
		if err != nil {
			t.Fatalf("DebitBatch failed: %v", err)
		}
		if len(settlements) != 2 {
			t.Fatalf("got %d settlements, want 2", len(settlements))
		}
		if settlements[0].ID != "stl_task_1_1" || settlements[1].ID != "stl_task_1_2" {
			t.Errorf("settlement ids = %q, %q", settlements[0].ID, settlements[1].ID)
		}
		got, _ := s.GetTask(ctx, task.ID)
		if got.RemainingReward != 50 {
			t.Errorf("remaining = %d, want 50", got.RemainingReward)
		}
	})
}

func TestDebitClaim(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	task := createTestTask(t, s)

	if _, err := s.DebitClaim(ctx, testCreator, task.ID, 200, "chain-b", testCreator); !errors.Is(err, ErrInsufficientReward) {
		t.Fatalf("overdraw err = %v, want ErrInsufficientReward", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.RemainingReward != 100 {
		t.Errorf("remaining changed by rejected claim: %d", got.RemainingReward)
	}

	stl, err := s.DebitClaim(ctx, testCreator, task.ID, 40, "chain-b", "recipient-on-b")
	if err != nil {
		t.Fatalf("DebitClaim failed: %v", err)
	}
	if stl.Recipient != "recipient-on-b" || stl.TargetChain != "chain-b" || stl.Amount != 40 {
		t.Errorf("settlement = %+v", stl)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.RemainingReward != 60 {
		t.Errorf("remaining = %d, want 60", got.RemainingReward)
	}
}

func TestRewardCalculation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	task := createTestTask(t, s)

	calc, err := s.RewardCalculation(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if calc.TotalFunded != 100 || calc.RemainingReward != 100 || calc.DistributedReward != 0 || calc.MaxPossibleReward != 100 {
		t.Errorf("fresh calc = %+v", calc)
	}

	sub, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://a", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ApplyVerification(ctx, sub.ID, 90, true); err != nil {
		t.Fatal(err)
	}

	calc, err = s.RewardCalculation(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if calc.RemainingReward != 90 || calc.DistributedReward != 10 {
		t.Errorf("calc after one payout = %+v", calc)
	}
	if calc.DistributedReward+calc.RemainingReward != calc.TotalFunded {
		t.Errorf("distributed + remaining != funded: %+v", calc)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var sunk []ledger.Event
	s.SetEventSink(func(evt ledger.Event) { sunk = append(sunk, evt) })

	task := createTestTask(t, s)
	sub, err := s.AddSubmission(ctx, task.ID, testWorker, "ipfs://a", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ApplyVerification(ctx, sub.ID, 80, true); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(ctx, ledger.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []string{
		ledger.EventTaskCreated,
		ledger.EventSubmissionCreated,
		ledger.EventVerificationDone,
		ledger.EventRewardSettled,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, evt := range events {
		if evt.Type != wantTypes[i] {
			t.Errorf("event[%d].Type = %q, want %q", i, evt.Type, wantTypes[i])
		}
		if evt.Seq != int64(i+1) {
			t.Errorf("event[%d].Seq = %d, want %d", i, evt.Seq, i+1)
		}
	}
	if len(sunk) != len(wantTypes) {
		t.Errorf("sink saw %d events, want %d", len(sunk), len(wantTypes))
	}

	t.Run("filters", func(t *testing.T) {
		settled, err := s.ListEvents(ctx, ledger.EventFilter{Type: ledger.EventRewardSettled})
		if err != nil {
			t.Fatal(err)
		}
		if len(settled) != 1 || settled[0].SettlementID != "stl_"+sub.ID {
			t.Errorf("settled events = %+v", settled)
		}
		tail, err := s.ListEvents(ctx, ledger.EventFilter{AfterSeq: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(tail) != 2 {
			t.Errorf("after seq 2: got %d events, want 2", len(tail))
		}
		limited, err := s.ListEvents(ctx, ledger.EventFilter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 || limited[0].Seq != 1 {
			t.Errorf("limited events = %+v", limited)
		}
	})
}

func TestListFilters(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	createTestTask(t, s)
	task2 := createTestTask(t, s)
	if _, err := s.SetTaskActive(ctx, task2.ID, testCreator, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, CreateTaskParams{
		Creator: "other-creator", Spec: validSpec(), SourceChainID: "chain-b", Amount: 100,
	}); err != nil {
		t.Fatal(err)
	}

	active := true
	tasks, err := s.ListTasks(ctx, ledger.TaskFilter{Active: &active})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("active tasks = %d, want 2", len(tasks))
	}
	tasks, err = s.ListTasks(ctx, ledger.TaskFilter{Creator: testCreator})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("creator tasks = %d, want 2", len(tasks))
	}
	tasks, err = s.ListTasks(ctx, ledger.TaskFilter{ChainID: "chain-b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("chain-b tasks = %d, want 1", len(tasks))
	}
	tasks, err = s.ListTasks(ctx, ledger.TaskFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task_2" {
		t.Errorf("paged tasks = %+v", tasks)
	}

	subA, err := s.AddSubmission(ctx, "task_1", testWorker, "ipfs://a", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddSubmission(ctx, "task_3", testWorker, "ipfs://b", "", ""); err != nil {
		t.Fatal(err)
	}
	byTask, err := s.ListTaskSubmissions(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byTask) != 1 || byTask[0].ID != subA.ID {
		t.Errorf("task submissions = %+v", byTask)
	}
	byUser, err := s.ListUserSubmissions(ctx, testWorker)
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 2 {
		t.Errorf("user submissions = %d, want 2", len(byUser))
	}
	if _, err := s.ListTaskSubmissions(ctx, "task_404"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}
