package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSub_ScalesOntoParentShare(t *testing.T) {
	parent := &Recorder{}
	parent.Begin("publish", 5000)

	sub := Sub(parent, 3000)
	sub.Begin("web", 10)
	sub.Worked(5)
	assert.Equal(t, 1500, parent.WorkedTicks())

	sub.Worked(5)
	assert.Equal(t, 3000, parent.WorkedTicks())

	sub.Done()
	assert.Equal(t, 3000, parent.WorkedTicks())
}

func TestSub_DoneCreditsRemainder(t *testing.T) {
	parent := &Recorder{}
	sub := Sub(parent, 1000)
	sub.Begin("", 100)
	sub.Worked(10)
	sub.Done()
	sub.Done()

	assert.Equal(t, 1000, parent.WorkedTicks())
}

func TestSub_NeverBegunStillCredits(t *testing.T) {
	parent := &Recorder{}
	Sub(parent, 500).Done()
	assert.Equal(t, 500, parent.WorkedTicks())
}

func TestSub_ForwardsSubTasks(t *testing.T) {
	parent := &Recorder{}
	sub := Sub(parent, 10)
	sub.Begin("publishing web", 1)
	sub.SubTask("copying files")

	_, _, _, subTasks, _ := parent.Snapshot()
	assert.Equal(t, []string{"publishing web", "copying files"}, subTasks)
}

func TestOrNull(t *testing.T) {
	m := OrNull(nil)
	assert.NotPanics(t, func() {
		m.Begin("x", 1)
		m.Worked(1)
		m.SubTask("y")
		m.Done()
	})
	r := &Recorder{}
	assert.Same(t, r, OrNull(r))
}
