package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/logging"
)

// handleWebSocket authenticates the handshake, upgrades the connection and
// hands it to the router. Unauthenticated requests get 401 and are never
// upgraded or registered.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.auth.Resolve(r.Context(), auth.ExtractCredential(r))
	if err != nil {
		s.metrics.connectionRejected("unauthorized")
		s.logger.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected WebSocket handshake")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.origins.check(r) {
		s.metrics.connectionRejected("origin")
		http.Error(w, "Forbidden origin", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.connectionRejected("upgrade")
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if !s.acquireConn() {
		// Shutdown started while the handshake was in flight.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	client := NewClient(conn, ClientInfo{
		ID:         uuid.NewString(),
		UserID:     userID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}, s.cfg.clientConfig(), s.logger)

	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(client.logger, "connection")
		s.router.Serve(s.ctx, client)
	}()
}

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
}

// handleHealth reports liveness and the number of local connections.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Service:     logging.ServiceName,
		Connections: s.registry.Count(),
	})
}

type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type onlineUsersResponse struct {
	UserIDs []string `json:"userIds"`
}

// callerLogger tags the request logger with the authenticated caller.
func (s *Server) callerLogger(r *http.Request) zerolog.Logger {
	callerID, _ := auth.UserIDFromContext(r.Context())
	return s.logger.With().Str("caller_id", callerID).Str("path", r.URL.Path).Logger()
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	logger := s.callerLogger(r)
	logger.Debug().Str("user_id", userID).Msg("presence lookup")
	writeJSON(w, http.StatusOK, presenceResponse{
		UserID: userID,
		Online: s.presence.IsOnline(r.Context(), userID),
	})
}

func (s *Server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	logger := s.callerLogger(r)
	userIDs := s.presence.OnlineUserIDs(r.Context())
	logger.Debug().Int("online", len(userIDs)).Msg("online users listed")
	if userIDs == nil {
		userIDs = []string{}
	}
	writeJSON(w, http.StatusOK, onlineUsersResponse{UserIDs: userIDs})
}

// requireAuth rejects requests without a valid credential and stores the
// caller's user id in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Resolve(r.Context(), auth.ExtractCredential(r))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, auth.ErrAuthenticationFailed) {
				status = http.StatusUnauthorized
			}
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestPageHandler serves an HTML page for exercising the WebSocket endpoint
// by hand: connect with a token, send private messages and watch frames.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Debug().Err(err).Msg("error writing test page")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>chatrelay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] {
            width: 200px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>chatrelay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="JWT token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="toInput" placeholder="Recipient user id" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="onlineButton" onclick="sendFrame({type: 'get_online_users'})" disabled>Online users</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const toInput = document.getElementById('toInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const onlineButton = document.getElementById('onlineButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(message, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';

            if (type === 'sent') {
                messageElement.style.color = 'blue';
                messageElement.textContent = '> ' + message;
            } else if (type === 'received') {
                messageElement.style.color = 'green';
                messageElement.textContent = '< ' + message;
            } else {
                messageElement.style.color = 'gray';
                messageElement.textContent = message;
            }

            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = connected ? 'status connected' : 'status disconnected';
            toInput.disabled = !connected;
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            onlineButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(tokenInput.value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);

            ws.onopen = function() {
                addMessage('Connected to chatrelay server');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                addMessage(event.data, 'received');
            };

            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addMessage('Connection error');
                updateStatus(false);
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                sendFrame({type: 'logout'});
            } else {
                connect();
            }
        }

        function sendFrame(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                const data = JSON.stringify(frame);
                ws.send(data);
                addMessage(data, 'sent');
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            const toUserId = toInput.value.trim();
            if (content && toUserId) {
                sendFrame({type: 'private', toUserId: toUserId, content: content, messageType: 1});
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
