package z80asm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MemoryBus is the minimal surface the assembler needs to place bytes:
// a plain peek/poke pair. Any real bus, including an emulator's, and a
// bare 64Ki array, satisfy it structurally without either package
// importing the other.
type MemoryBus interface {
	Peek(addr uint16) byte
	Write(addr uint16, value byte)
}

// FlatMemory is the default MemoryBus: a 64Ki byte array with no side
// effects, used when a caller assembles without wiring a real machine.
type FlatMemory [65536]byte

func (m *FlatMemory) Peek(addr uint16) byte         { return m[addr] }
func (m *FlatMemory) Write(addr uint16, value byte) { m[addr] = value }

const maxDeterminationPasses = 20
const maxMacroDepth = 64
const maxWhileIterations = 1_000_000

// Assembler is the two-pass driver described by §3-§4.12: it owns the
// symbol table, macro processor, custom-expression registries, the
// OPTION/OPTIMIZE flag stacks, and the memory it emits into.
type Assembler struct {
	symtab *SymbolTable
	macros *MacroProcessor

	customOperators map[string]CustomOperatorFunc
	customFunctions map[string]CustomFunctionFunc
	customConstants map[string]Value

	optionFlags   *flagStack
	optimizeFlags *flagStack

	bus          MemoryBus
	fileProvider FileProvider
	includes     includeStack

	logicalAddr  uint16
	physicalAddr uint16

	phase   int // 1 during determination, 2 during the emission pass
	passNum int // resets to 1 entering phase 2; counts determination iterations otherwise
	pass    int // monotonic iteration id, used only for same-pass duplicate-label detection

	diagnostics []Diagnostic
	blocks      []*Block
	memMap      [65536]MemMapByte

	jumpSites []jumpSite
	stats     PeepholeStats

	macroDepth int
}

// NewAssembler builds an assembler ready to Compile source against bus.
// A nil bus gets a private FlatMemory; a nil fileProvider disables
// INCLUDE/INCBIN (INCBIN reports a Resource diagnostic, INCLUDE makes
// Compile return an error).
func NewAssembler(bus MemoryBus, fp FileProvider) *Assembler {
	if bus == nil {
		bus = &FlatMemory{}
	}
	return &Assembler{
		symtab:          NewSymbolTable(),
		macros:          NewMacroProcessor(),
		customOperators: make(map[string]CustomOperatorFunc),
		customFunctions: make(map[string]CustomFunctionFunc),
		customConstants: make(map[string]Value),
		optionFlags:     newFlagStack(0, 0),
		optimizeFlags:   newFlagStack(0, 0),
		bus:             bus,
		fileProvider:    fp,
	}
}

// Result is everything a caller gets back from Compile: the placed
// blocks, a full memory-map byte classification, the resolved symbol
// table, optimizer totals, and any diagnostics raised along the way.
type Result struct {
	Blocks      []*Block
	MemMap      [65536]MemMapByte
	Symbols     map[string]*Symbol
	Optimizer   PeepholeStats
	Diagnostics []Diagnostic
}

func (a *Assembler) addDiag(kind DiagnosticKind, span Span, format string, args ...interface{}) {
	a.diagnostics = append(a.diagnostics, Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...), Span: span})
}

// tryEval evaluates e and, if the only problem is an undefined forward
// reference, reports it as unresolved instead of propagating the error
// — callers use a zero placeholder on non-final passes and only treat
// it as fatal once the emission pass reaches it.
func (a *Assembler) tryEval(e Expr) (Value, bool, error) {
	v, err := e.Eval(a)
	if err == nil {
		return v, true, nil
	}
	if isUndefined(err) {
		return Value{}, false, nil
	}
	return Value{}, false, err
}

func isUndefined(err error) bool { return errors.Is(err, ErrUndefinedSymbol) }

// emitByte places one byte at the current address, extending the
// current block if it is contiguous and of the same kind, else opening
// a new one. Only the final pass writes into memMap and the jump-site
// ledger; earlier passes still advance addresses so labels converge.
func (a *Assembler) emitByte(b byte, kind MemMapByte) {
	a.bus.Write(a.physicalAddr, b)
	if a.phase == 2 {
		a.memMap[a.physicalAddr] = kind
		blockKind := BlockCode
		if kind == MemData {
			blockKind = BlockData
		}
		if n := len(a.blocks); n > 0 {
			last := a.blocks[n-1]
			if last.Kind == blockKind && last.Start+uint16(len(last.Data)) == a.physicalAddr {
				last.Data = append(last.Data, b)
				a.advance()
				return
			}
		}
		a.blocks = append(a.blocks, &Block{Start: a.physicalAddr, Kind: blockKind, Data: []byte{b}})
	}
	a.advance()
}

func (a *Assembler) pokeByte(addr uint16, b byte) {
	a.bus.Write(addr, b)
	if n := len(a.blocks); n > 0 {
		for _, blk := range a.blocks {
			if addr >= blk.Start && int(addr-blk.Start) < len(blk.Data) {
				blk.Data[addr-blk.Start] = b
				return
			}
		}
	}
}

func (a *Assembler) advance() {
	a.logicalAddr++
	a.physicalAddr++
}

// physLine is one source line after INCLUDE has been spliced in, still
// carrying its originating file/line for diagnostics.
type physLine struct {
	text string
	span Span
}

// Compile assembles source (attributed to filename) end to end: a
// bounded determination loop establishing every symbol's value
// (§PHASE 1), then one final pass (§PHASE 2) that emits real bytes,
// validates ranges, and runs the optimizer.
func (a *Assembler) Compile(source, filename string) (*Result, error) {
	lines, err := a.flattenIncludes(source, filename)
	if err != nil {
		return nil, err
	}

	var prevSnapshot string
	a.phase = 1
	for iter := 1; iter <= maxDeterminationPasses; iter++ {
		a.resetForPass()
		a.pass = iter
		a.passNum = iter
		a.execBlock(lines, 0, len(lines))
		snap := a.symbolSnapshot()
		if snap == prevSnapshot {
			break
		}
		prevSnapshot = snap
	}

	a.phase = 2
	a.passNum = 1
	a.pass++
	a.resetForPass()
	a.execBlock(lines, 0, len(lines))
	a.threadJumps()

	res := &Result{
		Blocks:      a.blocks,
		MemMap:      a.memMap,
		Symbols:     a.symtab.All(),
		Optimizer:   a.stats,
		Diagnostics: a.diagnostics,
	}
	return res, nil
}

// resetForPass rewinds per-pass emission state without discarding the
// symbol table (forward references converge across iterations) or
// registered macros/custom operators.
func (a *Assembler) resetForPass() {
	a.logicalAddr = 0
	a.physicalAddr = 0
	a.diagnostics = nil
	a.blocks = nil
	a.jumpSites = nil
	a.stats = PeepholeStats{}
	a.macros.localCounter = 0
	if a.phase == 2 {
		a.memMap = [65536]MemMapByte{}
	}
}

func (a *Assembler) symbolSnapshot() string {
	all := a.symtab.All()
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		sym := all[n]
		fmt.Fprintf(&sb, "%s=%d;", n, sym.Value.I)
	}
	return sb.String()
}

// flattenIncludes recursively splices INCLUDE targets into the line
// stream rather than threading a nested parse-and-call, which keeps
// line/file span bookkeeping in one place.
func (a *Assembler) flattenIncludes(source, filename string) ([]physLine, error) {
	var out []physLine
	for i, raw := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(raw)
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "INCLUDE") && (len(trimmed) == 7 || !isIdentCont(rune(trimmed[7]))) {
			name := strings.Trim(strings.TrimSpace(trimmed[7:]), `"'`)
			if a.fileProvider == nil {
				return nil, fmt.Errorf("INCLUDE %q: no file provider configured", name)
			}
			if err := a.includes.push(name); err != nil {
				return nil, err
			}
			data, err := a.fileProvider.ReadFile(name)
			if err != nil {
				return nil, err
			}
			sub, err := a.flattenIncludes(string(data), name)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			a.includes.pop()
			continue
		}
		out = append(out, physLine{text: raw, span: Span{File: filename, Line: i + 1}})
	}
	return out, nil
}

var directiveKeywords = map[string]bool{
	"ORG": true, "END": true, "EQU": true, "SET": true, "DEFL": true,
	"DB": true, "DEFB": true, "DW": true, "DEFW": true, "DD": true, "DEFD": true, "DQ": true, "DEFQ": true,
	"DS": true, "DEFS": true, "DG": true, "DEFG": true, "DH": true, "DEFH": true, "HEX": true,
	"INCLUDE": true, "INCBIN": true, "MACRO": true, "ENDM": true, "REPT": true, "ENDR": true,
	"WHILE": true, "ENDW": true, "IF": true, "IFDEF": true, "IFNDEF": true, "ELSE": true, "ENDIF": true,
	"PROC": true, "ENDP": true, "LOCAL": true, "SHIFT": true, "OPTION": true, "OPTIMIZE": true,
	"PHASE": true, "DEPHASE": true, "ALIGN": true,
}

var blockOpeners = map[string]string{"MACRO": "ENDM", "REPT": "ENDR", "WHILE": "ENDW", "PROC": "ENDP",
	"IF": "ENDIF", "IFDEF": "ENDIF", "IFNDEF": "ENDIF"}

// findBlockEnd scans forward from the line after a block opener at
// start, returning the index of its matching closer (honoring nesting
// across all block-directive families via one keyword stack) and the
// index of a top-level ELSE if the block is an IF family.
func findBlockEnd(lines []physLine, start int, closer string) (end int, elseIdx int) {
	elseIdx = -1
	var stack []string
	for i := start; i < len(lines); i++ {
		word := firstWord(lines[i].text)
		if len(stack) == 0 && word == "ELSE" && closer == "ENDIF" {
			elseIdx = i
		}
		if c, ok := blockOpeners[word]; ok {
			stack = append(stack, c)
			continue
		}
		if len(stack) > 0 && word == stack[len(stack)-1] {
			stack = stack[:len(stack)-1]
			continue
		}
		if len(stack) == 0 && word == closer {
			return i, elseIdx
		}
	}
	return len(lines), elseIdx
}

func firstWord(text string) string {
	f := strings.Fields(stripLabelPrefix(text))
	if len(f) == 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimSuffix(f[0], ":"))
}

// stripLabelPrefix removes a leading "name:" so directive detection
// works on lines that also define a label.
func stripLabelPrefix(text string) string {
	t := strings.TrimSpace(text)
	if idx := strings.Index(t, ":"); idx > 0 && !strings.ContainsAny(t[:idx], " \t\"'") {
		return strings.TrimSpace(t[idx+1:])
	}
	return t
}

// execBlock runs statements [start,end) of lines in order, descending
// into block directives (MACRO/REPT/WHILE/IF/PROC) as it finds them.
func (a *Assembler) execBlock(lines []physLine, start, end int) {
	i := start
	for i < end {
		line := lines[i]
		word := firstWord(line.text)
		closer, isOpener := blockOpeners[word]
		if !isOpener {
			a.execLine(line.text, line.span)
			i++
			continue
		}
		blockEnd, elseIdx := findBlockEnd(lines, i+1, closer)
		bodyEnd := blockEnd
		if elseIdx >= 0 {
			bodyEnd = elseIdx
		}
		switch word {
		case "MACRO":
			a.defineMacro(line.text, lines[i+1:bodyEnd], line.span)
		case "REPT":
			a.execRept(line.text, lines[i+1:bodyEnd], line.span)
		case "WHILE":
			a.execWhile(line.text, lines[i+1:bodyEnd], line.span)
		case "PROC":
			a.execProc(line.text, lines[i+1:bodyEnd], line.span)
		case "IF", "IFDEF", "IFNDEF":
			a.execIf(word, line.text, lines[i+1:bodyEnd], lines, elseIdx, blockEnd, line.span)
		}
		i = blockEnd + 1
	}
}

func operandText(text string) string {
	t := stripLabelPrefix(text)
	fields := strings.SplitN(t, " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

func (a *Assembler) defineMacro(header string, body []physLine, span Span) {
	rest := operandText(header)
	first := strings.Fields(rest)
	if len(first) == 0 {
		a.addDiag(DiagSyntax, span, "MACRO requires a name")
		return
	}
	name := strings.TrimRight(first[0], ",")
	var params []string
	paramPart := strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(rest, first[0])), ",")
	for _, p := range strings.Split(paramPart, ",") {
		if p = strings.TrimSpace(p); p != "" {
			params = append(params, p)
		}
	}
	m := &Macro{Name: name, Params: params}
	for _, l := range body {
		m.Body = append(m.Body, l.text)
		m.LineNos = append(m.LineNos, l.span.Line)
	}
	// redefined freely across passes; only a second definition within
	// the same pass (a genuine duplicate) would be worth flagging, and
	// MACRO bodies are cheap enough that re-storing one is harmless.
	a.macros.macros[strings.ToUpper(name)] = m
}

func (a *Assembler) execRept(header string, body []physLine, span Span) {
	countExpr := operandText(header)
	toks, diag := NewLexer().TokenizeLine(countExpr, span.Line)
	if diag != nil {
		a.diagnostics = append(a.diagnostics, *diag)
		return
	}
	e, err := a.ParseExpr(toks)
	if err != nil {
		a.addDiag(DiagSyntax, span, "%v", err)
		return
	}
	n, err := a.evalExprInt(e, a.phase == 2)
	if err != nil {
		a.addDiag(DiagSemantic, span, "%v", err)
		return
	}
	for iter := int64(1); iter <= n; iter++ {
		expanded := make([]physLine, len(body))
		for i, l := range body {
			expanded[i] = physLine{text: substituteEscapes(l.text, &Invocation{}, int(iter)), span: l.span}
		}
		a.execBlock(expanded, 0, len(expanded))
	}
}

func (a *Assembler) execWhile(header string, body []physLine, span Span) {
	condText := operandText(header)
	for iter := 0; iter < maxWhileIterations; iter++ {
		toks, diag := NewLexer().TokenizeLine(condText, span.Line)
		if diag != nil {
			a.diagnostics = append(a.diagnostics, *diag)
			return
		}
		e, err := a.ParseExpr(toks)
		if err != nil {
			a.addDiag(DiagSyntax, span, "%v", err)
			return
		}
		v, resolved, err := a.tryEval(e)
		if err != nil {
			a.addDiag(DiagSemantic, span, "%v", err)
			return
		}
		if !resolved || !v.Truthy() {
			return
		}
		a.execBlock(body, 0, len(body))
	}
}

func (a *Assembler) execProc(header string, body []physLine, span Span) {
	procName := strings.TrimSpace(operandText(header))
	a.symtab.PushProc(procName)
	a.execBlock(body, 0, len(body))
	got, err := a.symtab.PopProc()
	if err != nil {
		a.addDiag(DiagSemantic, span, "%v", err)
		return
	}
	if got != procName {
		a.addDiag(DiagSemantic, span, "ENDP %s does not match PROC %s", got, procName)
	}
}

func (a *Assembler) execIf(kind, header string, thenBody []physLine, allLines []physLine, elseIdx, blockEnd int, span Span) {
	cond := operandText(header)
	take := false
	switch kind {
	case "IFDEF":
		_, err := a.symtab.Lookup(strings.TrimSpace(cond))
		take = err == nil
	case "IFNDEF":
		_, err := a.symtab.Lookup(strings.TrimSpace(cond))
		take = err != nil
	default:
		toks, diag := NewLexer().TokenizeLine(cond, span.Line)
		if diag != nil {
			a.diagnostics = append(a.diagnostics, *diag)
			return
		}
		e, err := a.ParseExpr(toks)
		if err != nil {
			a.addDiag(DiagSyntax, span, "%v", err)
			return
		}
		v, resolved, err := a.tryEval(e)
		if err != nil {
			a.addDiag(DiagSemantic, span, "%v", err)
			return
		}
		take = resolved && v.Truthy()
	}
	if take {
		a.execBlock(thenBody, 0, len(thenBody))
		return
	}
	if elseIdx >= 0 {
		a.execBlock(allLines, elseIdx+1, blockEnd)
	}
}

// execLine handles one already-flattened, non-block-directive source
// line: label detection, EQU/SET/DEFL assignment, directive dispatch,
// macro invocation, or a plain instruction.
func (a *Assembler) execLine(text string, span Span) {
	trimmed := strings.TrimRight(text, "\r")
	toks, diag := NewLexer().TokenizeLine(trimmed, span.Line)
	if diag != nil {
		a.diagnostics = append(a.diagnostics, *diag)
		return
	}
	if len(toks) == 0 {
		return
	}

	if toks[0].Kind == TokIdent && len(toks) >= 2 && toks[1].Kind == TokPunct && toks[1].Text == ":" {
		label := toks[0].Text
		a.defineLabel(label, span)
		toks = toks[2:]
		if len(toks) == 0 {
			return
		}
	}

	// name EQU|SET|DEFL|= expr
	if toks[0].Kind == TokIdent && len(toks) >= 2 && toks[1].Kind == TokIdent {
		kw := strings.ToUpper(toks[1].Text)
		if kw == "EQU" || kw == "SET" || kw == "DEFL" {
			a.defineAssignment(toks[0].Text, kw, toks[2:], span)
			return
		}
	}
	if toks[0].Kind == TokIdent && len(toks) >= 2 && toks[1].Kind == TokPunct && toks[1].Text == "=" {
		a.defineAssignment(toks[0].Text, "SET", toks[2:], span)
		return
	}

	if toks[0].Kind != TokIdent {
		return
	}
	head := strings.ToUpper(toks[0].Text)
	rest := toks[1:]

	if directiveKeywords[head] {
		a.execDirective(head, rest, span)
		return
	}

	if m, ok := a.macros.Lookup(head); ok {
		a.invokeMacro(m, rest, span)
		return
	}

	a.execInstruction(head, rest, span)
}

func (a *Assembler) defineLabel(name string, span Span) {
	_, err := a.symtab.Define(name, SymLabel, IntValue(int64(a.logicalAddr)), a.pass)
	if err != nil {
		a.addDiag(DiagSemantic, span, "%v", err)
		return
	}
	if !strings.HasPrefix(name, ".") {
		a.symtab.SetCurrentGlobalLabel(name)
	}
}

func (a *Assembler) defineAssignment(name, kw string, rhs []Token, span Span) {
	e, err := a.ParseExpr(rhs)
	if err != nil {
		a.addDiag(DiagSyntax, span, "%v", err)
		return
	}
	v, resolved, err := a.tryEval(e)
	if err != nil {
		a.addDiag(DiagSemantic, span, "%v", err)
		return
	}
	if !resolved {
		if a.phase == 2 {
			a.addDiag(DiagSemantic, span, "unresolved expression in %s %s", name, kw)
		}
		return
	}
	kind := SymSet
	if kw == "EQU" {
		kind = SymEqu
	}
	if _, err := a.symtab.Define(name, kind, v, a.pass); err != nil {
		a.addDiag(DiagSemantic, span, "%v", err)
	}
}

// splitTopLevel splits toks on top-level comma punctuation, honoring
// paren nesting so a function call's internal commas aren't split.
func splitTopLevel(toks []Token) [][]Token {
	if len(toks) == 0 {
		return nil
	}
	var out [][]Token
	var cur []Token
	depth := 0
	for _, t := range toks {
		if t.Kind == TokPunct {
			switch t.Text {
			case "(":
				depth++
			case ")":
				depth--
			case ",":
				if depth == 0 {
					out = append(out, cur)
					cur = nil
					continue
				}
			}
		}
		cur = append(cur, t)
	}
	out = append(out, cur)
	return out
}

func (a *Assembler) execDirective(head string, rest []Token, span Span) {
	argText := tokensToText(rest)
	args := strings.Split(argText, ",")

	switch head {
	case "ORG":
		v, err := a.evalTokensInt(rest, span)
		if err != nil {
			return
		}
		a.logicalAddr = uint16(v)
		a.physicalAddr = uint16(v)
	case "PHASE":
		v, err := a.evalTokensInt(rest, span)
		if err != nil {
			return
		}
		a.logicalAddr = uint16(v)
	case "DEPHASE":
		a.logicalAddr = a.physicalAddr
	case "ALIGN":
		v, err := a.evalTokensInt(rest, span)
		if err != nil || v <= 0 {
			return
		}
		for a.physicalAddr%uint16(v) != 0 {
			a.emitByte(0, MemData)
		}
	case "END":
		// accepted and ignored: END does not stop assembly, and any lines
		// after it are still assembled.
	case "OPTION":
		if err := a.handleOPTION(args); err != nil {
			a.addDiag(DiagSemantic, span, "%v", err)
		}
	case "OPTIMIZE":
		if err := a.handleOPTIMIZE(args); err != nil {
			a.addDiag(DiagSemantic, span, "%v", err)
		}
	case "DB", "DEFB":
		a.emitDataList(rest, 1, span)
	case "DW", "DEFW":
		a.emitDataList(rest, 2, span)
	case "DD", "DEFD":
		a.emitDataList(rest, 4, span)
	case "DQ", "DEFQ":
		a.emitDataList(rest, 8, span)
	case "DS", "DEFS":
		a.execDS(rest, span)
	case "DG", "DEFG":
		bs, err := parseDGPattern(strings.ReplaceAll(argText, "\"", ""))
		if err != nil {
			a.addDiag(DiagSyntax, span, "%v", err)
			return
		}
		for _, b := range bs {
			a.emitByte(b, MemData)
		}
	case "DH", "DEFH", "HEX":
		bs, err := parseHexPairs(strings.ReplaceAll(argText, "\"", ""))
		if err != nil {
			a.addDiag(DiagSyntax, span, "%v", err)
			return
		}
		for _, b := range bs {
			a.emitByte(b, MemData)
		}
	case "INCBIN":
		a.execIncbin(strings.Trim(strings.TrimSpace(argText), `"'`), span)
	case "LOCAL":
		// only meaningful inside a macro body; a bare LOCAL outside one is a no-op
	case "SHIFT":
		// only meaningful inside a macro body; a bare SHIFT outside one is a no-op
	case "INCLUDE":
		// already flattened before statement execution
	default:
		a.addDiag(DiagSyntax, span, "unhandled directive %q", head)
	}
}

func (a *Assembler) evalTokensInt(toks []Token, span Span) (int64, error) {
	e, err := a.ParseExpr(toks)
	if err != nil {
		a.addDiag(DiagSyntax, span, "%v", err)
		return 0, err
	}
	v, err := a.evalExprInt(e, a.phase == 2)
	if err != nil {
		a.addDiag(DiagSemantic, span, "%v", err)
		return 0, err
	}
	return v, nil
}

func (a *Assembler) emitDataList(rest []Token, width int, span Span) {
	for _, item := range splitTopLevel(rest) {
		if len(item) == 1 && item[0].Kind == TokString {
			for _, c := range item[0].Text {
				a.emitByte(byte(c), MemData)
			}
			continue
		}
		v, err := a.evalTokensInt(item, span)
		if err != nil {
			continue
		}
		a.emitInts([]int64{v}, width)
	}
}

func (a *Assembler) execDS(rest []Token, span Span) {
	parts := splitTopLevel(rest)
	if len(parts) == 0 {
		return
	}
	n, err := a.evalTokensInt(parts[0], span)
	if err != nil {
		return
	}
	fill := int64(0)
	if len(parts) > 1 {
		fill, err = a.evalTokensInt(parts[1], span)
		if err != nil {
			return
		}
	}
	for i := int64(0); i < n; i++ {
		a.emitByte(byte(fill), MemData)
	}
}

func (a *Assembler) execIncbin(name string, span Span) {
	if a.fileProvider == nil {
		a.addDiag(DiagResource, span, "INCBIN %q: no file provider configured", name)
		return
	}
	data, err := a.fileProvider.ReadFile(name)
	if err != nil {
		a.addDiag(DiagResource, span, "%v", err)
		return
	}
	for _, b := range data {
		a.emitByte(b, MemData)
	}
}

func tokensToText(toks []Token) string {
	var sb strings.Builder
	for i, t := range toks {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if t.Kind == TokString {
			sb.WriteByte('"')
			sb.WriteString(t.Text)
			sb.WriteByte('"')
		} else {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

func (a *Assembler) invokeMacro(m *Macro, rest []Token, span Span) {
	if a.macroDepth >= maxMacroDepth {
		a.addDiag(DiagSemantic, span, "macro expansion nested too deeply (possible recursion in %q)", m.Name)
		return
	}
	a.macroDepth++
	defer func() { a.macroDepth-- }()

	inv := a.macros.NewInvocation(m, tokensToText(rest))
	var expanded []physLine
	for i, bl := range m.Body {
		if kw := firstWord(bl); kw == "LOCAL" {
			names := strings.Split(operandText(bl), ",")
			inv.RegisterLocals(names)
			continue
		}
		if kw := firstWord(bl); kw == "SHIFT" {
			inv.Shift()
			continue
		}
		lineNo := span.Line
		if i < len(m.LineNos) {
			lineNo = m.LineNos[i]
		}
		expanded = append(expanded, physLine{text: inv.ExpandLine(bl, 1), span: Span{File: span.File, Line: lineNo}})
	}
	a.execBlock(expanded, 0, len(expanded))
}

// execInstruction encodes and emits one instruction statement, applying
// the idiom table on every pass and recording jump-threading candidates
// and peephole stats on the final pass.
func (a *Assembler) execInstruction(mnemonic string, rest []Token, span Span) {
	operandToks := splitTopLevel(rest)
	if len(operandToks) == 1 && len(operandToks[0]) == 0 {
		operandToks = nil
	}
	finalPass := a.phase == 2

	enc, err := a.Encode(mnemonic, operandToks, finalPass)
	if err != nil {
		if finalPass || !isUndefined(err) {
			kind := DiagSemantic
			if isUnknownMnemonic(err) {
				kind = DiagSyntax
			}
			a.addDiag(kind, span, "%v", err)
		}
		return
	}

	ops := make([]Operand, len(operandToks))
	for i, t := range operandToks {
		ops[i] = classifyOperand(t)
	}

	// Idiom rewrites can shrink an instruction, which shifts every label
	// after it; they must fire identically on every determination pass
	// and the final pass so addresses stay consistent, even though only
	// the final pass's deltas are kept in the reported stats.
	enc, bSaved, cSaved := a.applyIdioms(mnemonic, ops, enc)
	if finalPass {
		a.stats.BytesSaved += bSaved
		a.stats.CyclesSaved += cSaved
		a.recordJumpSite(mnemonic, ops, enc)
	}

	for i, b := range enc.Bytes {
		kind := MemOpcode
		if i < len(enc.OperandTag) && enc.OperandTag[i] {
			kind = MemOperand
		}
		a.emitByte(b, kind)
	}
}

func isUnknownMnemonic(err error) bool {
	return strings.Contains(err.Error(), "unknown instruction mnemonic")
}

// recordJumpSite notes where a JP/JR's target operand bytes land so the
// final jump-threading pass can rewrite them in place after every
// instruction in the program has been placed.
func (a *Assembler) recordJumpSite(mnemonic string, ops []Operand, enc EncodeResult) {
	if a.optimizeFlags.Current()&optzJumpThread == 0 {
		return
	}
	var relative bool
	switch mnemonic {
	case "JP":
		relative = false
	case "JR":
		relative = true
	default:
		return
	}
	offset := -1
	for i, tagged := range enc.OperandTag {
		if tagged {
			offset = i
			break
		}
	}
	if offset < 0 {
		return
	}
	a.jumpSites = append(a.jumpSites, jumpSite{
		insnAddr:      a.physicalAddr,
		operandAt:     a.physicalAddr + uint16(offset),
		isRelative:    relative,
		isConditional: len(ops) == 2,
	})
}

// --- expression registration convenience, per §4.6 ---

func (a *Assembler) hasCustomOperator(op string) (CustomOperatorFunc, bool) {
	f, ok := a.customOperators[op]
	return f, ok
}

func (a *Assembler) hasCustomFunction(name string) (CustomFunctionFunc, bool) {
	f, ok := a.customFunctions[strings.ToUpper(name)]
	return f, ok
}

func (a *Assembler) hasCustomConstant(name string) (Value, bool) {
	v, ok := a.customConstants[strings.ToUpper(name)]
	return v, ok
}
