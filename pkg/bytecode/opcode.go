package bytecode

import "fmt"

// Opcode identifies a VM instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode uint8

const (
	// ========================================================================
	// Misc (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = iota

	// ========================================================================
	// Constants and moves
	// ========================================================================

	OpLoadConst // dst <- constant pool entry
	OpLoadNull  // dst <- null
	OpLoadTrue  // dst <- true
	OpLoadFalse // dst <- false
	OpMove      // dst <- src

	// ========================================================================
	// Scope slots (captured variables)
	// ========================================================================

	OpLoadScope   // dst <- frame[depth][index]
	OpStoreScope  // frame[depth][index] <- src
	OpPushFrame   // push a fresh frame of count slots onto the chain
	OpPopFrame    // pop the innermost frame
	OpMakeClosure // dst <- closure(constant function, current frame chain)

	// ========================================================================
	// Fields
	// ========================================================================

	OpGetField  // dst <- recv.name (linearization-order search)
	OpSetField  // recv.name <- src
	OpGetFieldQ // dst <- recv@Class.name (storage bound on Class)
	OpSetFieldQ // recv@Class.name <- src

	// ========================================================================
	// Conversions and unary operations
	// ========================================================================

	OpIntToReal
	OpNegInt
	OpNegReal
	OpNot
	OpIncInt // slot <- slot + 1 (integer slots only)

	// ========================================================================
	// Arithmetic, pairwise specialized by static operand types.
	// The *Any forms dispatch on runtime types and also handle strings.
	// ========================================================================

	OpAddII
	OpAddIR
	OpAddRI
	OpAddRR
	OpAddAny
	OpSubII
	OpSubIR
	OpSubRI
	OpSubRR
	OpSubAny
	OpMulII
	OpMulIR
	OpMulRI
	OpMulRR
	OpMulAny
	OpDivII
	OpDivIR
	OpDivRI
	OpDivRR
	OpDivAny
	OpModII
	OpModAny

	// ========================================================================
	// Comparison, same specialization scheme. OpEqRef is reference equality,
	// distinct from OpEqObj value equality.
	// ========================================================================

	OpLtII
	OpLtIR
	OpLtRI
	OpLtRR
	OpLtAny
	OpLeII
	OpLeIR
	OpLeRI
	OpLeRR
	OpLeAny
	OpGtII
	OpGtIR
	OpGtRI
	OpGtRR
	OpGtAny
	OpGeII
	OpGeIR
	OpGeRI
	OpGeRR
	OpGeAny
	OpEqII
	OpEqRR
	OpEqBB
	OpEqObj
	OpNeObj
	OpEqRef

	// ========================================================================
	// Control flow
	// ========================================================================

	OpJump        // ip <- target
	OpJumpIfFalse // if !cond: ip <- target
	OpJumpIfTrue  // if cond: ip <- target
	OpReturn      // return src
	OpReturnNull  // return null
	OpReturnLabel // non-local return src to the frame declaring label

	// ========================================================================
	// Argument staging and calls. Arguments are staged through the pooled
	// per-thread argument buffer; every call opcode drains it.
	// ========================================================================

	OpArgPrep       // acquire+reset the argument buffer with a size hint
	OpArgPush       // append src to the argument buffer
	OpCallDirect    // dst <- call function table entry id
	OpCallVirtual   // dst <- dispatch name at runtime class of recv
	OpCallQualified // dst <- dispatch name starting after ancestor Class
	OpCallSlot      // dst <- call callable value held in a slot
	OpCallFallback  // dst <- general evaluator on a call-shaped AST node
	OpEvalFallback  // dst <- general evaluator on an expression AST node

	// ========================================================================
	// Objects
	// ========================================================================

	OpNewInstance // dst <- construct instance of constant class
	OpCast        // dst <- src viewed as constant class (soft flag in D)
	OpNewList     // dst <- list of the staged arguments
	OpIndex       // dst <- recv[index]
	OpSetIndex    // recv[index] <- src
	OpLen         // dst <- length of src

	// ========================================================================
	// Coroutines
	// ========================================================================

	OpLaunch // dst <- Deferred for newly scheduled task running fn slot
	OpAwait  // dst <- result of Deferred in src (suspends)
	OpDelay  // suspend at least src milliseconds

	// ========================================================================
	// Errors and handlers
	// ========================================================================

	OpRaise       // raise script error from src
	OpPushHandler // install handler: on raise, bind error to slot, jump target
	OpPopHandler  // remove innermost handler

	opcodeCount // sentinel
)

// OperandKind classifies one operand position of an opcode.
type OperandKind uint8

const (
	KindNone  OperandKind = iota
	KindSlot              // local slot index
	KindAddr              // scope-relative address component (depth or index)
	KindConst             // constant pool index
	KindIP                // instruction pointer target
	KindCount             // argument/element count or flag
	KindID                // interned symbol or function table id
)

func (k OperandKind) String() string {
	switch k {
	case KindSlot:
		return "SLOT"
	case KindAddr:
		return "ADDR"
	case KindConst:
		return "CONST"
	case KindIP:
		return "IP"
	case KindCount:
		return "COUNT"
	case KindID:
		return "ID"
	default:
		return "-"
	}
}

// OpInfo declares an opcode's mnemonic and its fixed operand signature.
// Every opcode has exactly len(Kinds) operands of exactly those kinds;
// the Builder rejects anything else before a CmdFunction is built.
type OpInfo struct {
	Name  string
	Kinds []OperandKind
}

var opInfoTable = [opcodeCount]OpInfo{
	OpNop: {"NOP", nil},

	OpLoadConst: {"LOAD_CONST", []OperandKind{KindSlot, KindConst}},
	OpLoadNull:  {"LOAD_NULL", []OperandKind{KindSlot}},
	OpLoadTrue:  {"LOAD_TRUE", []OperandKind{KindSlot}},
	OpLoadFalse: {"LOAD_FALSE", []OperandKind{KindSlot}},
	OpMove:      {"MOVE", []OperandKind{KindSlot, KindSlot}},

	OpLoadScope:   {"LOAD_SCOPE", []OperandKind{KindSlot, KindAddr, KindAddr}},
	OpStoreScope:  {"STORE_SCOPE", []OperandKind{KindAddr, KindAddr, KindSlot}},
	OpPushFrame:   {"PUSH_FRAME", []OperandKind{KindCount}},
	OpPopFrame:    {"POP_FRAME", nil},
	OpMakeClosure: {"MAKE_CLOSURE", []OperandKind{KindSlot, KindConst}},

	OpGetField:  {"GET_FIELD", []OperandKind{KindSlot, KindSlot, KindID}},
	OpSetField:  {"SET_FIELD", []OperandKind{KindSlot, KindID, KindSlot}},
	OpGetFieldQ: {"GET_FIELD_Q", []OperandKind{KindSlot, KindSlot, KindConst, KindID}},
	OpSetFieldQ: {"SET_FIELD_Q", []OperandKind{KindSlot, KindConst, KindID, KindSlot}},

	OpIntToReal: {"INT_TO_REAL", []OperandKind{KindSlot, KindSlot}},
	OpNegInt:    {"NEG_INT", []OperandKind{KindSlot, KindSlot}},
	OpNegReal:   {"NEG_REAL", []OperandKind{KindSlot, KindSlot}},
	OpNot:       {"NOT", []OperandKind{KindSlot, KindSlot}},
	OpIncInt:    {"INC_INT", []OperandKind{KindSlot}},

	OpAddII:  {"ADD_II", binOperands},
	OpAddIR:  {"ADD_IR", binOperands},
	OpAddRI:  {"ADD_RI", binOperands},
	OpAddRR:  {"ADD_RR", binOperands},
	OpAddAny: {"ADD_ANY", binOperands},
	OpSubII:  {"SUB_II", binOperands},
	OpSubIR:  {"SUB_IR", binOperands},
	OpSubRI:  {"SUB_RI", binOperands},
	OpSubRR:  {"SUB_RR", binOperands},
	OpSubAny: {"SUB_ANY", binOperands},
	OpMulII:  {"MUL_II", binOperands},
	OpMulIR:  {"MUL_IR", binOperands},
	OpMulRI:  {"MUL_RI", binOperands},
	OpMulRR:  {"MUL_RR", binOperands},
	OpMulAny: {"MUL_ANY", binOperands},
	OpDivII:  {"DIV_II", binOperands},
	OpDivIR:  {"DIV_IR", binOperands},
	OpDivRI:  {"DIV_RI", binOperands},
	OpDivRR:  {"DIV_RR", binOperands},
	OpDivAny: {"DIV_ANY", binOperands},
	OpModII:  {"MOD_II", binOperands},
	OpModAny: {"MOD_ANY", binOperands},

	OpLtII:  {"LT_II", binOperands},
	OpLtIR:  {"LT_IR", binOperands},
	OpLtRI:  {"LT_RI", binOperands},
	OpLtRR:  {"LT_RR", binOperands},
	OpLtAny: {"LT_ANY", binOperands},
	OpLeII:  {"LE_II", binOperands},
	OpLeIR:  {"LE_IR", binOperands},
	OpLeRI:  {"LE_RI", binOperands},
	OpLeRR:  {"LE_RR", binOperands},
	OpLeAny: {"LE_ANY", binOperands},
	OpGtII:  {"GT_II", binOperands},
	OpGtIR:  {"GT_IR", binOperands},
	OpGtRI:  {"GT_RI", binOperands},
	OpGtRR:  {"GT_RR", binOperands},
	OpGtAny: {"GT_ANY", binOperands},
	OpGeII:  {"GE_II", binOperands},
	OpGeIR:  {"GE_IR", binOperands},
	OpGeRI:  {"GE_RI", binOperands},
	OpGeRR:  {"GE_RR", binOperands},
	OpGeAny: {"GE_ANY", binOperands},
	OpEqII:  {"EQ_II", binOperands},
	OpEqRR:  {"EQ_RR", binOperands},
	OpEqBB:  {"EQ_BB", binOperands},
	OpEqObj: {"EQ_OBJ", binOperands},
	OpNeObj: {"NE_OBJ", binOperands},
	OpEqRef: {"EQ_REF", binOperands},

	OpJump:        {"JUMP", []OperandKind{KindIP}},
	OpJumpIfFalse: {"JUMP_IF_FALSE", []OperandKind{KindSlot, KindIP}},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", []OperandKind{KindSlot, KindIP}},
	OpReturn:      {"RETURN", []OperandKind{KindSlot}},
	OpReturnNull:  {"RETURN_NULL", nil},
	OpReturnLabel: {"RETURN_LABEL", []OperandKind{KindID, KindSlot}},

	OpArgPrep:       {"ARG_PREP", []OperandKind{KindCount}},
	OpArgPush:       {"ARG_PUSH", []OperandKind{KindSlot}},
	OpCallDirect:    {"CALL_DIRECT", []OperandKind{KindSlot, KindID, KindCount}},
	OpCallVirtual:   {"CALL_VIRTUAL", []OperandKind{KindSlot, KindSlot, KindID, KindCount}},
	OpCallQualified: {"CALL_QUALIFIED", []OperandKind{KindSlot, KindSlot, KindConst, KindID}},
	OpCallSlot:      {"CALL_SLOT", []OperandKind{KindSlot, KindSlot, KindCount}},
	OpCallFallback:  {"CALL_FALLBACK", []OperandKind{KindSlot, KindConst}},
	OpEvalFallback:  {"EVAL_FALLBACK", []OperandKind{KindSlot, KindConst}},

	OpNewInstance: {"NEW_INSTANCE", []OperandKind{KindSlot, KindConst}},
	OpCast:        {"CAST", []OperandKind{KindSlot, KindSlot, KindConst, KindCount}},
	OpNewList:     {"NEW_LIST", []OperandKind{KindSlot, KindCount}},
	OpIndex:       {"INDEX", []OperandKind{KindSlot, KindSlot, KindSlot}},
	OpSetIndex:    {"SET_INDEX", []OperandKind{KindSlot, KindSlot, KindSlot}},
	OpLen:         {"LEN", []OperandKind{KindSlot, KindSlot}},

	OpLaunch: {"LAUNCH", []OperandKind{KindSlot, KindSlot}},
	OpAwait:  {"AWAIT", []OperandKind{KindSlot, KindSlot}},
	OpDelay:  {"DELAY", []OperandKind{KindSlot}},

	OpRaise:       {"RAISE", []OperandKind{KindSlot}},
	OpPushHandler: {"PUSH_HANDLER", []OperandKind{KindIP, KindSlot}},
	OpPopHandler:  {"POP_HANDLER", nil},
}

// binOperands is the shared signature of every binary operation: dst, left,
// right.
var binOperands = []OperandKind{KindSlot, KindSlot, KindSlot}

// Info returns the metadata for an opcode. Unknown opcodes report a synthetic
// name and no operands.
func (op Opcode) Info() OpInfo {
	if int(op) < len(opInfoTable) && opInfoTable[op].Name != "" {
		return opInfoTable[op]
	}
	return OpInfo{Name: fmt.Sprintf("UNKNOWN(%d)", uint8(op))}
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	return op.Info().Name
}

// Arity returns the number of operands the opcode takes.
func (op Opcode) Arity() int {
	return len(op.Info().Kinds)
}

// IsJump reports whether the opcode transfers control to an IP operand.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpJumpIfTrue
}

// IsReturn reports whether the opcode terminates the current function.
func (op Opcode) IsReturn() bool {
	return op == OpReturn || op == OpReturnNull || op == OpReturnLabel
}

// IsCall reports whether the opcode invokes a callee that may suspend.
func (op Opcode) IsCall() bool {
	switch op {
	case OpCallDirect, OpCallVirtual, OpCallQualified, OpCallSlot, OpCallFallback:
		return true
	}
	return false
}

// AllOpcodes returns every defined opcode, for metadata tests.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, int(opcodeCount))
	for op := Opcode(0); op < opcodeCount; op++ {
		if opInfoTable[op].Name != "" {
			ops = append(ops, op)
		}
	}
	return ops
}
