package conversation

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	n := 0
	r := NewRegistry(nil, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("conv-%d", n)
	}))

	st := r.GetOrCreate("5491100000000", "5491122222222")
	if st.Status != StatusActive {
		t.Errorf("Status = %q, want active", st.Status)
	}
	if len(st.Context) != 0 || st.Pending() || st.LastMediaPrompt != "" {
		t.Errorf("new state not empty: %+v", st)
	}
	if st.ID != "conv-1" {
		t.Errorf("ID = %q, want conv-1", st.ID)
	}

	again := r.GetOrCreate("5491100000000", "5491122222222")
	if again != st {
		t.Error("GetOrCreate returned a different state for the same key")
	}

	other := r.GetOrCreate("5491100000001", "5491122222222")
	if other == st {
		t.Error("different channel shares state")
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	const workers = 32

	got := make([]*State, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.GetOrCreate("chan", "user")
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if got[i] != got[0] {
			t.Fatalf("worker %d got a different state", i)
		}
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestState_Recent(t *testing.T) {
	t.Parallel()

	st := &State{}
	if st.Recent(5) != nil {
		t.Error("Recent on empty context should be nil")
	}
	for i := range 7 {
		st.Append(Turn{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	recent := st.Recent(5)
	if len(recent) != 5 {
		t.Fatalf("len = %d, want 5", len(recent))
	}
	if recent[0].Content != "m2" || recent[4].Content != "m6" {
		t.Errorf("recent = %+v", recent)
	}

	recent[0].Content = "mutated"
	if st.Context[2].Content != "m2" {
		t.Error("Recent must return a copy")
	}
	if len(st.Context) != 7 {
		t.Errorf("context trimmed to %d", len(st.Context))
	}
}

func TestState_NoteReply(t *testing.T) {
	t.Parallel()

	st := &State{}
	st.NoteReply("¿Quieres ver fotos? [imagen1]", true, "[imagen1]")
	if !st.Pending() || st.LastMediaPrompt != "[imagen1]" {
		t.Errorf("question not recorded: %+v", st)
	}

	st.NoteReply("Gracias.", false, "[video1]")
	if st.Pending() || st.LastQuestion != "" || st.LastMediaPrompt != "" {
		t.Errorf("pending state not cleared: %+v", st)
	}
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	a := r.GetOrCreate("chan", "a")
	r.GetOrCreate("chan", "b")
	r.GetOrCreate("other", "c")

	a.Lock()
	a.Status = StatusPaused
	a.Append(Turn{Role: RoleUser, Content: "hola"})
	a.Unlock()

	list := r.List("chan")
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	for _, s := range list {
		if s.Participant == "a" && (s.Status != StatusPaused || s.Turns != 1) {
			t.Errorf("snapshot of a = %+v", s)
		}
	}
	if r.Get("chan", "zzz") != nil {
		t.Error("Get on unknown key should be nil")
	}
}
