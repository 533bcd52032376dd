package room

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext_Defaults(t *testing.T) {
	ctx := NewContext(Identity{UserID: "u1", DisplayName: "Ada"})

	assert.Equal(t, "u1", ctx.Identity().UserID)
	assert.Equal(t, "", ctx.MapID())
	assert.Equal(t, "", ctx.SessionID())
}

func TestContext_LogAttrsSkipsEmpty(t *testing.T) {
	ctx := NewContext(Identity{UserID: "u1"})
	ctx.SetMap("m1")

	attrs := ctx.LogAttrs()
	assert.Len(t, attrs, 2)
	assert.Equal(t, "userId", attrs[0].Key)
	assert.Equal(t, "mapId", attrs[1].Key)
	assert.Equal(t, "m1", attrs[1].Value.String())

	var nilCtx *Context
	assert.Nil(t, nilCtx.LogAttrs())
}

func TestContext_ThreadSafe(t *testing.T) {
	ctx := NewContext(Identity{UserID: "u1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx.SetSession("s1")
			ctx.SetMap("m1")
		}()
		go func() {
			defer wg.Done()
			_ = ctx.LogAttrs()
		}()
	}
	wg.Wait()

	assert.Equal(t, "s1", ctx.SessionID())
}
