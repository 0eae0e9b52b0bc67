// Copyright 2026 The Stealthbp Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowbp

import "github.com/sirupsen/logrus"

// newLogger returns the default logger used when a Config does not
// supply one: structured, text-formatted, at info level.
func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// bugCheck logs the fatal condition with structured fields and panics
// with a *FatalError. Every caller in handler.go treats this as a
// function that never returns.
func bugCheck(log *logrus.Entry, reason string, fields logrus.Fields) {
	log.WithFields(fields).Error("bug check: " + reason)
	panic(&FatalError{Reason: reason})
}
