package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ImageVersion is the current image format version.
// Increment when making incompatible changes to the format.
const ImageVersion uint16 = 1

// ImageMagic prefixes every image: "LUMI" (LUme IMage).
var ImageMagic = []byte{'L', 'U', 'M', 'I'}

// cborEncMode uses canonical encoding so image bytes are deterministic for a
// given program, which keeps the content-addressed cache stable.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Constant kinds in an image.
const (
	imageConstNil = iota
	imageConstTrue
	imageConstFalse
	imageConstNumber
	imageConstString
	imageConstFunction
)

type imageConstant struct {
	Kind   uint8   `cbor:"k"`
	Number float64 `cbor:"n,omitempty"`
	Str    string  `cbor:"s,omitempty"`
	Fn     int     `cbor:"f,omitempty"`
}

type imageUpvalue struct {
	Index   int  `cbor:"i"`
	IsLocal bool `cbor:"l"`
}

type imageLineRun struct {
	Offset int `cbor:"o"`
	Line   int `cbor:"n"`
}

type imageFunction struct {
	Name      string          `cbor:"name"`
	Arity     int             `cbor:"arity"`
	Kind      uint8           `cbor:"kind"`
	Upvalues  []imageUpvalue  `cbor:"upvalues,omitempty"`
	Code      []byte          `cbor:"code"`
	Lines     []imageLineRun  `cbor:"lines"`
	Constants []imageConstant `cbor:"constants"`
}

type imageFile struct {
	Version   uint16          `cbor:"version"`
	Functions []imageFunction `cbor:"functions"`
	Entry     int             `cbor:"entry"`
}

// WriteImage serializes a compiled top-level function, together with every
// function reachable through its constant pools, into a self-contained image.
func (h *Heap) WriteImage(entry Handle) ([]byte, error) {
	// Flatten the function graph. Nested functions always appear in their
	// parent's constant pool, so a depth-first walk from the entry covers
	// everything.
	indexes := make(map[Handle]int)
	var order []Handle
	var walk func(Handle)
	walk = func(fn Handle) {
		if _, seen := indexes[fn]; seen {
			return
		}
		indexes[fn] = len(order)
		order = append(order, fn)
		for _, c := range h.Function(fn).Chunk.Constants {
			if c.IsObject() && h.Type(c.AsHandle()) == ObjTypeFunction {
				walk(c.AsHandle())
			}
		}
	}
	walk(entry)

	img := imageFile{Version: ImageVersion, Entry: indexes[entry]}
	for _, fnHandle := range order {
		fn := h.Function(fnHandle)
		out := imageFunction{
			Name:  fn.Name,
			Arity: fn.Arity,
			Kind:  uint8(fn.Kind),
			Code:  fn.Chunk.Code,
		}
		for _, uv := range fn.Upvalues {
			out.Upvalues = append(out.Upvalues, imageUpvalue{Index: uv.Index, IsLocal: uv.IsLocal})
		}
		for _, run := range fn.Chunk.LineRuns() {
			out.Lines = append(out.Lines, imageLineRun{Offset: run.Offset, Line: run.Line})
		}
		for _, c := range fn.Chunk.Constants {
			constant, err := h.imageConstant(c, indexes)
			if err != nil {
				return nil, err
			}
			out.Constants = append(out.Constants, constant)
		}
		img.Functions = append(img.Functions, out)
	}

	body, err := cborEncMode.Marshal(&img)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal image: %w", err)
	}

	buf := make([]byte, 0, len(ImageMagic)+2+len(body))
	buf = append(buf, ImageMagic...)
	buf = append(buf, byte(ImageVersion>>8), byte(ImageVersion))
	buf = append(buf, body...)
	return buf, nil
}

func (h *Heap) imageConstant(v Value, indexes map[Handle]int) (imageConstant, error) {
	switch {
	case v.IsNil():
		return imageConstant{Kind: imageConstNil}, nil
	case v == True:
		return imageConstant{Kind: imageConstTrue}, nil
	case v == False:
		return imageConstant{Kind: imageConstFalse}, nil
	case v.IsNumber():
		return imageConstant{Kind: imageConstNumber, Number: v.AsNumber()}, nil
	case v.IsObject():
		switch obj := h.Get(v.AsHandle()).(type) {
		case *ObjString:
			return imageConstant{Kind: imageConstString, Str: obj.Value}, nil
		case *ObjFunction:
			return imageConstant{Kind: imageConstFunction, Fn: indexes[v.AsHandle()]}, nil
		}
	}
	return imageConstant{}, fmt.Errorf("vm: value %s cannot appear in an image constant pool", h.DebugValue(v))
}
