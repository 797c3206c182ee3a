package signal

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ids from the same source are ordered by create time

	a := NewId()
	for range 64 * 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id            `json:"a,omitempty"`
		B *Id           `json:"b,omitempty"`
		C map[Id]string `json:"c,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_
	c_ := NewId()
	test1.C = map[Id]string{
		c_: "c",
	}

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, *test1.B, *test2.B)
	assert.Equal(t, test2.C[c_], "c")

	test3 := &Test{}
	test3.A = NewId()

	test3Json, err := json.Marshal(test3)
	assert.Equal(t, err, nil)

	test4 := &Test{}
	err = json.Unmarshal(test3Json, test4)
	assert.Equal(t, err, nil)

	assert.Equal(t, test3.A, test4.A)
	assert.Equal(t, test4.B == nil, true)
}

func TestIdParse(t *testing.T) {
	a := NewId()

	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)

	c, err := IdFromBytes(a.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, c)

	assert.Equal(t, RequireParseId(a.String()), a)
	assert.Equal(t, RequireIdFromBytes(a.Bytes()), a)

	_, err = IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)
	r := HandleError(func() {
		RequireParseId("not an id")
	})
	assert.NotEqual(t, r, nil)

	assert.Equal(t, ZeroId.IsZero(), true)
	assert.Equal(t, a.IsZero(), false)
}
