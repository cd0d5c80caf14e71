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
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/guregu/null.v3"
)

const (
	// DefaultPort is the remote debugging port used when none is configured.
	DefaultPort = 9222
	// DefaultPageURL is the page a launched browser starts with. The target
	// showing it becomes the control target.
	DefaultPageURL = "about:blank#default-page"
)

// LaunchOptions configures how the browser process is started.
//
// Every field records whether it was set, so options coming from different
// sources (defaults, environment, CLI flags) can be layered with Apply.
type LaunchOptions struct {
	ExecutablePath    null.String       `json:"executablePath" envconfig:"CDP_EXECUTABLE_PATH"`
	Port              null.Int          `json:"port" envconfig:"CDP_PORT"`
	Headless          null.Bool         `json:"headless" envconfig:"CDP_HEADLESS"`
	Debug             null.Bool         `json:"debug" envconfig:"CDP_DEBUG"`
	LogCategoryFilter null.String       `json:"logCategoryFilter" envconfig:"CDP_LOG_CATEGORY_FILTER"`
	Args              []string          `json:"args" envconfig:"CDP_ARGS"`
	Env               map[string]string `json:"env" envconfig:"CDP_ENV"`
}

// NewLaunchOptions returns the default launch options.
func NewLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Port:              null.NewInt(DefaultPort, false),
		Headless:          null.NewBool(true, false),
		Debug:             null.NewBool(false, false),
		LogCategoryFilter: null.NewString(".*", false),
		Env:               make(map[string]string),
	}
}

// LaunchOptionsFromEnv returns the launch options set through environment
// variables, e.g. CDP_PORT=9333. Unset variables leave their field unset.
func LaunchOptionsFromEnv() (LaunchOptions, error) {
	var opts LaunchOptions
	if err := envconfig.Process("", &opts); err != nil {
		return opts, fmt.Errorf("parsing launch options from the environment: %w", err)
	}

	return opts, nil
}

// Apply returns lo with every set field of opts applied on top of it.
func (lo LaunchOptions) Apply(opts LaunchOptions) LaunchOptions {
	if opts.ExecutablePath.Valid && opts.ExecutablePath.String != "" {
		lo.ExecutablePath = opts.ExecutablePath
	}
	if opts.Port.Valid {
		lo.Port = opts.Port
	}
	if opts.Headless.Valid {
		lo.Headless = opts.Headless
	}
	if opts.Debug.Valid {
		lo.Debug = opts.Debug
	}
	if opts.LogCategoryFilter.Valid && opts.LogCategoryFilter.String != "" {
		lo.LogCategoryFilter = opts.LogCategoryFilter
	}
	if len(opts.Args) > 0 {
		lo.Args = append(append([]string(nil), lo.Args...), opts.Args...)
	}
	if len(opts.Env) > 0 {
		env := make(map[string]string, len(lo.Env)+len(opts.Env))
		for k, v := range lo.Env {
			env[k] = v
		}
		for k, v := range opts.Env {
			env[k] = v
		}
		lo.Env = env
	}

	return lo
}

// Validate reports options that can't be used to launch a browser.
func (lo LaunchOptions) Validate() error {
	if p := lo.Port.Int64; p < 1 || p > 65535 {
		return fmt.Errorf("invalid remote debugging port %d", p)
	}

	return nil
}

// Endpoint returns the base URL of the browser's HTTP discovery endpoint.
func (lo LaunchOptions) Endpoint() string {
	return fmt.Sprintf("http://localhost:%d", lo.Port.Int64)
}
