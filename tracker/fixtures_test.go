// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package tracker

import (
	"net/http"
	"net/http/httptest"

	"github.com/gorilla/mux"
)

// fakeTrackerServer is a minimal BEP 3 announce endpoint for tests that want
// routing (method/path matching) rather than httptest.NewServer's single
// catch-all handler -- standing in for the real tracker binary's own
// gorilla/mux-routed announce route.
type fakeTrackerServer struct {
	*httptest.Server
	router *mux.Router
}

func newFakeTrackerServer() *fakeTrackerServer {
	router := mux.NewRouter()
	f := &fakeTrackerServer{router: router}
	f.Server = httptest.NewServer(router)
	return f
}

// handleAnnounce registers fn as the GET /announce handler.
func (f *fakeTrackerServer) handleAnnounce(fn http.HandlerFunc) {
	f.router.HandleFunc("/announce", fn).Methods(http.MethodGet)
}

func (f *fakeTrackerServer) announceURL() string {
	return f.Server.URL + "/announce"
}
