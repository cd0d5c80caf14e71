/*
 *
 * cdpdriver - a Chrome DevTools protocol driver
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsCall is a function evaluated in a page with a list of arguments. The
// arguments travel as JSON, apart from the function source.
type jsCall struct {
	fn    string
	args  []interface{}
	async bool
}

func newJSCall(fn string, args ...interface{}) *jsCall {
	if args == nil {
		args = []interface{}{}
	}
	return &jsCall{fn: fn, args: args}
}

// expression returns the expression applying the function to its arguments.
func (c *jsCall) expression() (string, error) {
	fn := strings.TrimSpace(c.fn)
	if fn == "" {
		return "", fmt.Errorf("evaluating function: empty function source")
	}
	args, err := json.Marshal(c.args)
	if err != nil {
		return "", fmt.Errorf("encoding function arguments: %w", err)
	}

	return fmt.Sprintf("(%s).apply(globalThis, %s)", fn, args), nil
}
