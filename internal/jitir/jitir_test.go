package jitir

import (
	"strings"
	"testing"

	"raya/internal/module"
	"raya/internal/regvm"
)

func TestProfilerTiering(t *testing.T) {
	p := NewProfiler()
	for i := 1; i < 100; i++ {
		if should, _ := p.RecordCall(1); should {
			t.Fatalf("call %d: expected no tier transition yet", i)
		}
	}
	should, tier := p.RecordCall(1)
	if !should || tier != TierQuickJIT {
		t.Fatalf("call 100: should=%v tier=%v, want true/TierQuickJIT", should, tier)
	}
	for i := 101; i < 1000; i++ {
		p.RecordCall(1)
	}
	should, tier = p.RecordCall(1)
	if !should || tier != TierOptimized {
		t.Fatalf("call 1000: should=%v tier=%v, want true/TierOptimized", should, tier)
	}
}

func TestLoopCandidateScore(t *testing.T) {
	hot := LoopCandidate{FuncID: 1, ArithOps: 20, CallOps: 0, FieldOps: 0, GuardOps: 0, BackEdgeHits: 5000}
	if !hot.ShouldCompile() {
		t.Errorf("arithmetic-dense hot loop should compile, score=%v", hot.Score())
	}
	coldCalls := LoopCandidate{FuncID: 2, ArithOps: 2, CallOps: 10, FieldOps: 4, GuardOps: 4, BackEdgeHits: 1}
	if coldCalls.ShouldCompile() {
		t.Errorf("call-heavy cold loop should not compile, score=%v", coldCalls.Score())
	}
}

func TestBuildStraightLine(t *testing.T) {
	code := regvm.Encode([]regvm.Instruction{
		regvm.CreateAsBx(regvm.OpLoadI32, 0, 10),
		regvm.CreateAsBx(regvm.OpLoadI32, 1, 20),
		regvm.CreateABC(regvm.OpAdd, 2, 0, 1),
		regvm.CreateABC(regvm.OpReturn, 2, 0, 0),
	})
	fn := &module.Function{Name: "add", LocalCount: 3, Code: code}

	f, err := Build(fn, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(f.Blocks) != 1 {
		t.Fatalf("expected 1 block for branch-free code, got %d", len(f.Blocks))
	}
	blk := f.Blocks[0]
	if len(blk.Instrs) != 3 {
		t.Fatalf("expected 3 IR instructions (move-as-add excluded here), got %d: %+v", len(blk.Instrs), blk.Instrs)
	}
	if blk.Instrs[2].Op != JAdd {
		t.Errorf("instr 2 op = %v, want JAdd", blk.Instrs[2].Op)
	}
	if blk.Term.Kind != TermRet || blk.Term.Value != 2 {
		t.Errorf("terminator = %+v, want ret v2", blk.Term)
	}

	text := f.Display()
	if !strings.Contains(text, "const.i32 10") || !strings.Contains(text, "ret v2") {
		t.Errorf("Display() missing expected text:\n%s", text)
	}
}

func TestBuildBranch(t *testing.T) {
	// Same shape as regvm's TestRegisterComparisonAndJump: LT, TEST, JMP,
	// LOADI32, JMP, LOADI32, RETURN.
	code := regvm.Encode([]regvm.Instruction{
		regvm.CreateAsBx(regvm.OpLoadI32, 0, 5),
		regvm.CreateAsBx(regvm.OpLoadI32, 1, 3),
		regvm.CreateABC(regvm.OpLt, 2, 0, 1),
		regvm.CreateABC(regvm.OpTest, 2, 0, 0),
		regvm.CreateAsBx(regvm.OpJmp, 0, 2),
		regvm.CreateAsBx(regvm.OpLoadI32, 3, 111),
		regvm.CreateAsBx(regvm.OpJmp, 0, 1),
		regvm.CreateAsBx(regvm.OpLoadI32, 3, 222),
		regvm.CreateABC(regvm.OpReturn, 3, 0, 0),
	})
	fn := &module.Function{Name: "branchy", LocalCount: 4, Code: code}

	f, err := Build(fn, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(f.Blocks) < 3 {
		t.Fatalf("expected at least 3 blocks (entry/then/else), got %d", len(f.Blocks))
	}
	entry := f.Block(f.Entry)
	if entry == nil || entry.Term.Kind != TermBranch {
		t.Fatalf("entry block terminator = %+v, want TermBranch", entry)
	}

	text := f.Display()
	if !strings.Contains(text, "br v2") {
		t.Errorf("Display() missing branch instruction:\n%s", text)
	}
}

func TestBuildDeoptsOnCall(t *testing.T) {
	code := regvm.Encode([]regvm.Instruction{
		regvm.CreateAsBx(regvm.OpLoadI32, 0, 1),
		regvm.CreateABC(regvm.OpCall, 0, 0, 0),
		regvm.CreateABC(regvm.OpReturn, 0, 0, 0),
	})
	fn := &module.Function{Name: "caller", LocalCount: 1, Code: code}

	f, err := Build(fn, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entry := f.Block(f.Entry)
	if entry.Term.Kind != TermDeopt {
		t.Fatalf("terminator = %+v, want TermDeopt on CALL", entry.Term)
	}
	if entry.Term.Deopt.Reason != "CALL" {
		t.Errorf("deopt reason = %q, want CALL", entry.Term.Deopt.Reason)
	}
}
