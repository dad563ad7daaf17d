package soft

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
)

type cmdKind uint8

const (
	cmdTransition cmdKind = iota
	cmdCopyBuffer
	cmdCopyTexture
	cmdDiscard
)

type command struct {
	kind     cmdKind
	barriers []backend.Barrier

	dst, src  *buffer
	dstOffset uint64
	srcOffset uint64
	size      uint64

	tex    *texture
	region backend.TextureCopy

	discard backend.Resource
}

// commandList records commands for later execution on the queue goroutine.
// Objects are validated at record time, states at execution time.
type commandList struct {
	dev    *Device
	label  string
	cmds   []command
	closed bool
	err    error
}

// CreateCommandList returns an open command list.
func (d *Device) CreateCommandList(label string) (backend.CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return &commandList{dev: d, label: label}, nil
}

func (l *commandList) Label() string { return l.label }

// fail records the first recording error; Submit reports it.
func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *commandList) recording() bool {
	if l.closed {
		l.fail(errors.Newf("soft: record into closed list %q", l.label))
		return false
	}
	return true
}

func (l *commandList) Transition(barriers ...backend.Barrier) {
	if !l.recording() {
		return
	}
	for _, b := range barriers {
		if (b.Buffer == nil) == (b.Texture == nil) {
			l.fail(errors.New("soft: barrier must name exactly one resource"))
			return
		}
		if b.Buffer != nil {
			if _, ok := b.Buffer.(*buffer); !ok {
				l.fail(errors.Wrapf(backend.ErrWrongObject, "barrier buffer %T", b.Buffer))
				return
			}
		} else if _, ok := b.Texture.(*texture); !ok {
			l.fail(errors.Wrapf(backend.ErrWrongObject, "barrier texture %T", b.Texture))
			return
		}
	}
	l.cmds = append(l.cmds, command{kind: cmdTransition, barriers: append([]backend.Barrier(nil), barriers...)})
}

func (l *commandList) CopyBufferRegion(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset, size uint64) {
	if !l.recording() {
		return
	}
	d, ok1 := dst.(*buffer)
	s, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		l.fail(errors.Wrapf(backend.ErrWrongObject, "copy %T <- %T", dst, src))
		return
	}
	if dstOffset+size > d.size || srcOffset+size > s.size {
		l.fail(errors.Wrapf(backend.ErrOutOfRange, "copy %d bytes %q+%d <- %q+%d",
			size, d.label, dstOffset, s.label, srcOffset))
		return
	}
	l.cmds = append(l.cmds, command{
		kind: cmdCopyBuffer, dst: d, src: s,
		dstOffset: dstOffset, srcOffset: srcOffset, size: size,
	})
}

func (l *commandList) CopyBufferToTexture(dst backend.Texture, src backend.Buffer, region backend.TextureCopy) {
	if !l.recording() {
		return
	}
	t, ok1 := dst.(*texture)
	s, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		l.fail(errors.Wrapf(backend.ErrWrongObject, "copy %T <- %T", dst, src))
		return
	}
	if region.MipLevel >= t.layout.MipLevels || region.ArrayLayer >= t.layout.ArrayLayers {
		l.fail(errors.Wrapf(backend.ErrOutOfRange, "copy to subresource %+v of %q", region.Subresource, t.label))
		return
	}
	want := t.layout.Subresources[t.layout.Index(region.MipLevel, region.ArrayLayer)]
	if region.Width != want.Width || region.Height != want.Height || region.Depth != want.Depth ||
		region.RowSize != want.RowSize || region.RowCount != want.RowCount {
		l.fail(errors.Newf("soft: partial copy into %q subresource %+v", t.label, region.Subresource))
		return
	}
	span := uint64(region.RowPitch) * uint64(region.RowCount) * uint64(region.Depth)
	if region.RowPitch < region.RowSize || region.Offset+span > s.size {
		l.fail(errors.Wrapf(backend.ErrOutOfRange, "copy source %q+%d pitch %d", s.label, region.Offset, region.RowPitch))
		return
	}
	l.cmds = append(l.cmds, command{kind: cmdCopyTexture, tex: t, src: s, region: region})
}

func (l *commandList) Discard(r backend.Resource) {
	if !l.recording() {
		return
	}
	switch r.(type) {
	case *buffer, *texture:
		l.cmds = append(l.cmds, command{kind: cmdDiscard, discard: r})
	default:
		l.fail(errors.Wrapf(backend.ErrWrongObject, "discard %T", r))
	}
}

func (l *commandList) Close() error {
	if l.closed {
		return errors.Newf("soft: command list %q already closed", l.label)
	}
	l.closed = true
	return l.err
}

// executeLocked runs a list. d.mu is held.
func (d *Device) executeLocked(l *commandList) error {
	for i := range l.cmds {
		c := &l.cmds[i]
		if err := d.executeCommandLocked(c); err != nil {
			return errors.Wrapf(err, "command %d", i)
		}
		d.stats.CommandsExecuted++
	}
	return nil
}

func (d *Device) executeCommandLocked(c *command) error {
	switch c.kind {
	case cmdTransition:
		for _, b := range c.barriers {
			state := stateOf(b)
			if *state != b.Before {
				return errors.Wrapf(backend.ErrInvalidState, "barrier on %q: before %s, tracked %s",
					resourceLabel(b), b.Before, *state)
			}
			*state = b.After
			d.stats.Barriers++
		}

	case cmdCopyBuffer:
		if !c.dst.valid() || !c.src.valid() {
			return errors.Newf("soft: copy %q <- %q after heap destroyed", c.dst.label, c.src.label)
		}
		if c.dst.state != backend.StateCopyDest {
			return errors.Wrapf(backend.ErrInvalidState, "copy into %q in state %s", c.dst.label, c.dst.state)
		}
		if !c.src.state.Readable() {
			return errors.Wrapf(backend.ErrInvalidState, "copy from %q in state %s", c.src.label, c.src.state)
		}
		copy(c.dst.bytes()[c.dstOffset:c.dstOffset+c.size], c.src.bytes()[c.srcOffset:c.srcOffset+c.size])
		d.stats.Copies++

	case cmdCopyTexture:
		if c.tex.subs == nil || !c.src.valid() {
			return errors.Newf("soft: copy %q <- %q after destroy", c.tex.label, c.src.label)
		}
		if c.tex.state != backend.StateCopyDest {
			return errors.Wrapf(backend.ErrInvalidState, "copy into %q in state %s", c.tex.label, c.tex.state)
		}
		if !c.src.state.Readable() {
			return errors.Wrapf(backend.ErrInvalidState, "copy from %q in state %s", c.src.label, c.src.state)
		}
		r := c.region
		dst := c.tex.subs[c.tex.layout.Index(r.MipLevel, r.ArrayLayer)]
		src := c.src.bytes()
		for z := uint32(0); z < r.Depth; z++ {
			for row := uint32(0); row < r.RowCount; row++ {
				line := uint64(z)*uint64(r.RowCount) + uint64(row)
				from := r.Offset + line*uint64(r.RowPitch)
				to := line * uint64(r.RowSize)
				copy(dst[to:to+uint64(r.RowSize)], src[from:from+uint64(r.RowSize)])
			}
		}
		d.stats.Copies++

	case cmdDiscard:
		switch r := c.discard.(type) {
		case *buffer:
			if r.valid() {
				fill(r.bytes(), poison)
			}
		case *texture:
			for _, s := range r.subs {
				fill(s, poison)
			}
		}
		d.stats.Discards++
	}
	return nil
}

func stateOf(b backend.Barrier) *backend.ResourceState {
	if b.Buffer != nil {
		return &b.Buffer.(*buffer).state
	}
	return &b.Texture.(*texture).state
}

func resourceLabel(b backend.Barrier) string {
	if b.Buffer != nil {
		return b.Buffer.Label()
	}
	return b.Texture.Label()
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
