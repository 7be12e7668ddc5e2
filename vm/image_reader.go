package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ReadImage reconstructs a compiled program from image bytes into the heap
// and returns the handle of its top-level function. Strings re-intern on the
// way in, so identity-based semantics hold for reloaded programs too.
func (h *Heap) ReadImage(data []byte) (Handle, error) {
	if len(data) < len(ImageMagic)+2 {
		return InvalidHandle, fmt.Errorf("vm: image too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:len(ImageMagic)], ImageMagic) {
		return InvalidHandle, fmt.Errorf("vm: invalid image magic %q", data[:len(ImageMagic)])
	}
	version := binary.BigEndian.Uint16(data[len(ImageMagic):])
	if version > ImageVersion {
		return InvalidHandle, fmt.Errorf("vm: image version %d is newer than supported version %d", version, ImageVersion)
	}

	var img imageFile
	if err := cbor.Unmarshal(data[len(ImageMagic)+2:], &img); err != nil {
		return InvalidHandle, fmt.Errorf("vm: unmarshal image: %w", err)
	}
	if img.Entry < 0 || img.Entry >= len(img.Functions) {
		return InvalidHandle, fmt.Errorf("vm: image entry %d out of range", img.Entry)
	}

	// Allocate all function objects up front so constant pools can refer to
	// them by index; the handles are roots until the entry function links
	// everything together.
	handles := make([]Handle, 0, len(img.Functions))
	unregister := h.AddRootMarker(func(h *Heap) {
		for _, fn := range handles {
			h.MarkObject(fn)
		}
	})
	defer unregister()

	for range img.Functions {
		handles = append(handles, h.Alloc(&ObjFunction{}))
	}

	for i, in := range img.Functions {
		fn := h.Function(handles[i])
		fn.Name = in.Name
		fn.Arity = in.Arity
		fn.Kind = FunctionKind(in.Kind)
		for _, uv := range in.Upvalues {
			fn.Upvalues = append(fn.Upvalues, UpvalueDesc{Index: uv.Index, IsLocal: uv.IsLocal})
		}
		fn.Chunk = NewChunk()
		fn.Chunk.Code = append(fn.Chunk.Code, in.Code...)
		runs := make([]LineRun, 0, len(in.Lines))
		for _, run := range in.Lines {
			runs = append(runs, LineRun{Offset: run.Offset, Line: run.Line})
		}
		fn.Chunk.SetLineRuns(runs)

		for _, c := range in.Constants {
			value, err := h.constantFromImage(c, handles)
			if err != nil {
				return InvalidHandle, err
			}
			fn.Chunk.AddConstant(value)
		}
	}

	return handles[img.Entry], nil
}

func (h *Heap) constantFromImage(c imageConstant, fns []Handle) (Value, error) {
	switch c.Kind {
	case imageConstNil:
		return Nil, nil
	case imageConstTrue:
		return True, nil
	case imageConstFalse:
		return False, nil
	case imageConstNumber:
		return NumberValue(c.Number), nil
	case imageConstString:
		return ObjectValue(h.Intern(c.Str)), nil
	case imageConstFunction:
		if c.Fn < 0 || c.Fn >= len(fns) {
			return Nil, fmt.Errorf("vm: image function reference %d out of range", c.Fn)
		}
		return ObjectValue(fns[c.Fn]), nil
	default:
		return Nil, fmt.Errorf("vm: unknown image constant kind %d", c.Kind)
	}
}
