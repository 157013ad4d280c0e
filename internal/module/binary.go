package module

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary container layout, all multi-byte fields little-endian via
// encoding/binary, grounded on the teacher's internal/buildutil.BytecodeFile
// (magic + version + flags header, length-prefixed sections) and
// internal/build.Builder's trailing bundle checksum.
//
//	magic        [4]byte  "RAYA"
//	version      uint16
//	flags        uint16   bit 0: has debug info
//	name         length-prefixed string
//	globalCount  uint32   size of the module's global-variable slot array
//	section     constants
//	section     functions
//	section     classes
//	section     imports
//	section     exports
//	section     debug (present only if flags bit 0 set)
//	checksum    [32]byte  sha256 of every byte preceding it
//
// Each section is length-prefixed: uint32 byte length, then that many
// section-specific bytes.
const (
	magic          = "RAYA"
	currentVersion = uint16(1)

	flagHasDebug = uint16(1 << 0)
)

// Encode serializes m into the module binary format.
func Encode(m *Module) ([]byte, error) {
	var body bytes.Buffer
	body.WriteString(magic)

	flags := uint16(0)
	if m.Debug != nil {
		flags |= flagHasDebug
	}
	binary.Write(&body, binary.LittleEndian, currentVersion)
	binary.Write(&body, binary.LittleEndian, flags)

	writeLenPrefixed(&body, m.Name)
	binary.Write(&body, binary.LittleEndian, m.GlobalCount)

	if err := writeSection(&body, encodeConsts(m.Consts)); err != nil {
		return nil, err
	}
	if err := writeSection(&body, encodeFunctions(m.Functions)); err != nil {
		return nil, err
	}
	if err := writeSection(&body, encodeClasses(m.Classes)); err != nil {
		return nil, err
	}
	if err := writeSection(&body, encodeImports(m.Imports)); err != nil {
		return nil, err
	}
	if err := writeSection(&body, encodeExports(m.Exports)); err != nil {
		return nil, err
	}
	if m.Debug != nil {
		if err := writeSection(&body, encodeDebug(m.Debug)); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(body.Bytes())
	body.Write(sum[:])
	return body.Bytes(), nil
}

// Decode parses and verifies the checksum of a module binary, returning
// the fully decoded Module.
func Decode(data []byte) (*Module, error) {
	if len(data) < len(magic)+32 {
		return nil, fmt.Errorf("module: truncated binary (%d bytes)", len(data))
	}
	payload, trailer := data[:len(data)-32], data[len(data)-32:]
	want := sha256.Sum256(payload)
	if !bytes.Equal(want[:], trailer) {
		return nil, fmt.Errorf("module: checksum mismatch, binary corrupted or truncated")
	}

	r := bytes.NewReader(payload)
	magicBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, magicBuf); err != nil || string(magicBuf) != magic {
		return nil, fmt.Errorf("module: bad magic number")
	}
	var version, flags uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("module: truncated header: %w", err)
	}
	if version != currentVersion {
		return nil, fmt.Errorf("module: unsupported version %d (want %d)", version, currentVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("module: truncated header: %w", err)
	}

	name, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("module: reading name: %w", err)
	}

	var globalCount uint32
	if err := binary.Read(r, binary.LittleEndian, &globalCount); err != nil {
		return nil, fmt.Errorf("module: reading global count: %w", err)
	}

	m := &Module{Name: name, GlobalCount: globalCount}

	constsBuf, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("module: reading constants section: %w", err)
	}
	if m.Consts, err = decodeConsts(constsBuf); err != nil {
		return nil, err
	}

	fnBuf, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("module: reading functions section: %w", err)
	}
	if m.Functions, err = decodeFunctions(fnBuf); err != nil {
		return nil, err
	}

	clsBuf, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("module: reading classes section: %w", err)
	}
	if m.Classes, err = decodeClasses(clsBuf); err != nil {
		return nil, err
	}

	impBuf, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("module: reading imports section: %w", err)
	}
	if m.Imports, err = decodeImports(impBuf); err != nil {
		return nil, err
	}

	expBuf, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("module: reading exports section: %w", err)
	}
	if m.Exports, err = decodeExports(expBuf); err != nil {
		return nil, err
	}

	if flags&flagHasDebug != 0 {
		dbgBuf, err := readSection(r)
		if err != nil {
			return nil, fmt.Errorf("module: reading debug section: %w", err)
		}
		if m.Debug, err = decodeDebug(dbgBuf); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// --- section framing ----------------------------------------------------

func writeSection(w *bytes.Buffer, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readSection(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeLenPrefixed(w *bytes.Buffer, s string) {
	binary.Write(w, binary.LittleEndian, uint32(len(s)))
	w.WriteString(s)
}

func readLenPrefixed(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// --- constants -----------------------------------------------------------

func encodeConsts(p *ConstPool) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(p.Strings)))
	for _, s := range p.Strings {
		writeLenPrefixed(&b, s)
	}
	binary.Write(&b, binary.LittleEndian, uint32(len(p.Numbers)))
	for _, n := range p.Numbers {
		binary.Write(&b, binary.LittleEndian, n)
	}
	return b.Bytes()
}

func decodeConsts(buf []byte) (*ConstPool, error) {
	r := bytes.NewReader(buf)
	p := NewConstPool()

	var nStrings uint32
	if err := binary.Read(r, binary.LittleEndian, &nStrings); err != nil {
		return nil, fmt.Errorf("module: decoding string count: %w", err)
	}
	for i := uint32(0); i < nStrings; i++ {
		s, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("module: decoding string constant %d: %w", i, err)
		}
		p.InternString(s)
	}

	var nNumbers uint32
	if err := binary.Read(r, binary.LittleEndian, &nNumbers); err != nil {
		return nil, fmt.Errorf("module: decoding number count: %w", err)
	}
	for i := uint32(0); i < nNumbers; i++ {
		var n float64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("module: decoding number constant %d: %w", i, err)
		}
		p.InternNumber(n)
	}
	return p, nil
}

// --- functions -------------------------------------------------------------

func encodeFunctions(fns []Function) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(fns)))
	for _, fn := range fns {
		writeLenPrefixed(&b, fn.Name)
		binary.Write(&b, binary.LittleEndian, uint32(fn.ParamCount))
		binary.Write(&b, binary.LittleEndian, uint32(fn.LocalCount))
		binary.Write(&b, binary.LittleEndian, uint32(fn.MaxStack))
		binary.Write(&b, binary.LittleEndian, uint32(len(fn.Code)))
		b.Write(fn.Code)
		binary.Write(&b, binary.LittleEndian, uint32(len(fn.CaptureSpec)))
		for _, c := range fn.CaptureSpec {
			var flag byte
			if c.FromParentCaptured {
				flag = 1
			}
			b.WriteByte(flag)
			binary.Write(&b, binary.LittleEndian, c.Index)
		}
		var isNative byte
		if fn.IsNative {
			isNative = 1
		}
		b.WriteByte(isNative)
		binary.Write(&b, binary.LittleEndian, fn.NativeID)
	}
	return b.Bytes()
}

func decodeFunctions(buf []byte) ([]Function, error) {
	r := bytes.NewReader(buf)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("module: decoding function count: %w", err)
	}
	fns := make([]Function, count)
	for i := range fns {
		name, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("module: decoding function %d name: %w", i, err)
		}
		var paramCount, localCount, maxStack, codeLen uint32
		if err := binary.Read(r, binary.LittleEndian, &paramCount); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &localCount); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &maxStack); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &codeLen); err != nil {
			return nil, err
		}
		code := make([]byte, codeLen)
		if _, err := io.ReadFull(r, code); err != nil {
			return nil, fmt.Errorf("module: decoding function %d code: %w", i, err)
		}

		var capCount uint32
		if err := binary.Read(r, binary.LittleEndian, &capCount); err != nil {
			return nil, err
		}
		caps := make([]CaptureSlot, capCount)
		for j := range caps {
			flag, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			var idx uint16
			if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
				return nil, err
			}
			caps[j] = CaptureSlot{FromParentCaptured: flag != 0, Index: idx}
		}

		isNative, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var nativeID uint32
		if err := binary.Read(r, binary.LittleEndian, &nativeID); err != nil {
			return nil, err
		}

		fns[i] = Function{
			Name: name, ParamCount: int(paramCount), LocalCount: int(localCount),
			MaxStack: int(maxStack), Code: code, CaptureSpec: caps,
			IsNative: isNative != 0, NativeID: nativeID,
		}
	}
	return fns, nil
}

// --- classes ---------------------------------------------------------------

func encodeClasses(classes []Class) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(classes)))
	for _, c := range classes {
		writeLenPrefixed(&b, c.Name)
		binary.Write(&b, binary.LittleEndian, c.ParentID)
		binary.Write(&b, binary.LittleEndian, uint32(len(c.Fields)))
		for _, f := range c.Fields {
			writeLenPrefixed(&b, f.Name)
			binary.Write(&b, binary.LittleEndian, f.Offset)
		}
		binary.Write(&b, binary.LittleEndian, uint32(len(c.VTable)))
		for _, fnID := range c.VTable {
			binary.Write(&b, binary.LittleEndian, fnID)
		}
		binary.Write(&b, binary.LittleEndian, c.CtorFuncID)
		var hasCtor byte
		if c.HasCtor {
			hasCtor = 1
		}
		b.WriteByte(hasCtor)
	}
	return b.Bytes()
}

func decodeClasses(buf []byte) ([]Class, error) {
	r := bytes.NewReader(buf)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("module: decoding class count: %w", err)
	}
	classes := make([]Class, count)
	for i := range classes {
		name, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("module: decoding class %d name: %w", i, err)
		}
		var parentID int32
		if err := binary.Read(r, binary.LittleEndian, &parentID); err != nil {
			return nil, err
		}
		var fieldCount uint32
		if err := binary.Read(r, binary.LittleEndian, &fieldCount); err != nil {
			return nil, err
		}
		fields := make([]Field, fieldCount)
		for j := range fields {
			fname, err := readLenPrefixed(r)
			if err != nil {
				return nil, err
			}
			var off uint16
			if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
				return nil, err
			}
			fields[j] = Field{Name: fname, Offset: off}
		}
		var vtableLen uint32
		if err := binary.Read(r, binary.LittleEndian, &vtableLen); err != nil {
			return nil, err
		}
		vtable := make([]uint32, vtableLen)
		for j := range vtable {
			if err := binary.Read(r, binary.LittleEndian, &vtable[j]); err != nil {
				return nil, err
			}
		}
		var ctorFuncID uint32
		if err := binary.Read(r, binary.LittleEndian, &ctorFuncID); err != nil {
			return nil, err
		}
		hasCtor, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		classes[i] = Class{
			Name: name, ParentID: parentID, Fields: fields, VTable: vtable,
			CtorFuncID: ctorFuncID, HasCtor: hasCtor != 0,
		}
	}
	return classes, nil
}

// --- imports / exports -----------------------------------------------------

func encodeImports(imports []Import) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(imports)))
	for _, imp := range imports {
		writeLenPrefixed(&b, imp.ModuleName)
		writeLenPrefixed(&b, imp.SymbolName)
	}
	return b.Bytes()
}

func decodeImports(buf []byte) ([]Import, error) {
	r := bytes.NewReader(buf)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("module: decoding import count: %w", err)
	}
	imports := make([]Import, count)
	for i := range imports {
		modName, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		symName, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		imports[i] = Import{ModuleName: modName, SymbolName: symName}
	}
	return imports, nil
}

func encodeExports(exports []Export) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(exports)))
	for _, exp := range exports {
		writeLenPrefixed(&b, exp.SymbolName)
		var isClass byte
		if exp.IsClass {
			isClass = 1
		}
		b.WriteByte(isClass)
		binary.Write(&b, binary.LittleEndian, exp.Index)
	}
	return b.Bytes()
}

func decodeExports(buf []byte) ([]Export, error) {
	r := bytes.NewReader(buf)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("module: decoding export count: %w", err)
	}
	exports := make([]Export, count)
	for i := range exports {
		symName, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		isClass, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var idx uint32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, err
		}
		exports[i] = Export{SymbolName: symName, IsClass: isClass != 0, Index: idx}
	}
	return exports, nil
}

// --- debug -------------------------------------------------------------

func encodeDebug(d *DebugInfo) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(d.Lines)))
	for _, l := range d.Lines {
		binary.Write(&b, binary.LittleEndian, l.FunctionIndex)
		binary.Write(&b, binary.LittleEndian, l.Offset)
		binary.Write(&b, binary.LittleEndian, l.Line)
	}
	return b.Bytes()
}

func decodeDebug(buf []byte) (*DebugInfo, error) {
	r := bytes.NewReader(buf)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("module: decoding debug line count: %w", err)
	}
	lines := make([]LineEntry, count)
	for i := range lines {
		if err := binary.Read(r, binary.LittleEndian, &lines[i].FunctionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &lines[i].Offset); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &lines[i].Line); err != nil {
			return nil, err
		}
	}
	return &DebugInfo{Lines: lines}, nil
}
