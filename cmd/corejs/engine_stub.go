//go:build !v8

package main

import (
	"fmt"

	"github.com/cryguy/corejs"
)

func engineFactory() corejs.EngineFactory {
	return func(corejs.EngineParams) (corejs.Engine, error) {
		return nil, fmt.Errorf("corejs: built without the v8 build tag; rebuild with -tags v8")
	}
}

const engineDescription = "none (rebuild with -tags v8)"
