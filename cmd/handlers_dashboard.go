package main

import (
	"github.com/gin-gonic/gin"
)

// handleDashboard 凭证池仪表板，数据来自 /api/credentials 与 websocket 推送
func handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(200, "text/html; charset=utf-8", []byte(DashboardHTML))
	}
}

// DashboardHTML 仪表板页面
const DashboardHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>LLM Relay Credential Pool</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <link rel="stylesheet" href="https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css">
    <style>
        .state-valid { background-color: #dcfce7; color: #166534; }
        .state-unverified { background-color: #e0e7ff; color: #3730a3; }
        .state-rate_limited { background-color: #fef3c7; color: #92400e; }
        .state-restricted, .state-non_pro { background-color: #fee2e2; color: #991b1b; }
        .state-invalid { background-color: #e5e7eb; color: #374151; }
    </style>
</head>
<body class="bg-gray-100 min-h-screen">
    <!-- 登录 -->
    <div id="login" class="flex items-center justify-center min-h-screen">
        <div class="bg-white rounded-lg shadow p-8 w-96">
            <h1 class="text-xl font-bold mb-4"><i class="fas fa-key mr-2"></i>LLM Relay Admin</h1>
            <input id="password" type="password" placeholder="Admin password"
                   class="w-full px-3 py-2 border rounded-lg mb-4 focus:ring-2 focus:ring-blue-500 focus:outline-none">
            <button onclick="login()" class="w-full bg-blue-600 text-white py-2 rounded-lg hover:bg-blue-700">Login</button>
            <p id="login-error" class="text-red-600 text-sm mt-2 hidden"></p>
        </div>
    </div>

    <!-- 主界面 -->
    <div id="app" class="hidden container mx-auto p-6">
        <div class="flex justify-between items-center mb-6">
            <h1 class="text-2xl font-bold"><i class="fas fa-layer-group mr-2"></i>Credential Pool</h1>
            <div class="space-x-2">
                <span id="ws-status" class="text-sm text-gray-500">disconnected</span>
                <button onclick="reconcile()" class="bg-gray-700 text-white px-4 py-2 rounded-lg hover:bg-gray-800">
                    <i class="fas fa-sync mr-1"></i>Reconcile
                </button>
                <button onclick="logout()" class="bg-red-600 text-white px-4 py-2 rounded-lg hover:bg-red-700">Logout</button>
            </div>
        </div>

        <div class="grid grid-cols-3 gap-4 mb-6">
            <div class="bg-white rounded-lg shadow p-4"><div class="text-gray-500 text-sm">Valid</div><div id="count-valid" class="text-3xl font-bold text-green-700">0</div></div>
            <div class="bg-white rounded-lg shadow p-4"><div class="text-gray-500 text-sm">Exhausted</div><div id="count-exhausted" class="text-3xl font-bold text-yellow-700">0</div></div>
            <div class="bg-white rounded-lg shadow p-4"><div class="text-gray-500 text-sm">Invalid</div><div id="count-invalid" class="text-3xl font-bold text-gray-700">0</div></div>
        </div>

        <div class="bg-white rounded-lg shadow p-4 mb-6">
            <h2 class="font-semibold mb-3">Add credential</h2>
            <div class="grid grid-cols-4 gap-2">
                <select id="kind" class="px-3 py-2 border rounded-lg">
                    <option value="claude_web">claude_web</option>
                    <option value="claude_code">claude_code</option>
                    <option value="gemini">gemini</option>
                    <option value="vertex">vertex</option>
                </select>
                <input id="secret" placeholder="Secret" class="px-3 py-2 border rounded-lg">
                <input id="org" placeholder="Organization ID (claude_web)" class="px-3 py-2 border rounded-lg">
                <button onclick="submitCredential()" class="bg-blue-600 text-white rounded-lg hover:bg-blue-700"><i class="fas fa-plus mr-1"></i>Add</button>
            </div>
        </div>

        <div class="bg-white rounded-lg shadow overflow-x-auto">
            <table class="min-w-full text-sm">
                <thead class="bg-gray-50 text-left">
                    <tr>
                        <th class="px-4 py-2">ID</th><th class="px-4 py-2">Kind</th><th class="px-4 py-2">Secret</th>
                        <th class="px-4 py-2">State</th><th class="px-4 py-2">Cooldown until</th><th class="px-4 py-2">In flight</th>
                        <th class="px-4 py-2">OK / Fail</th><th class="px-4 py-2">Last used</th><th class="px-4 py-2"></th>
                    </tr>
                </thead>
                <tbody id="rows"></tbody>
            </table>
        </div>
    </div>

<script>
let token = sessionStorage.getItem('relay_admin') || '';
let creds = {};
let ws = null;

function headers() {
    return { 'Authorization': 'Bearer ' + token, 'Content-Type': 'application/json' };
}

async function login() {
    token = document.getElementById('password').value;
    const res = await fetch('/api/credentials', { headers: headers() });
    if (!res.ok) {
        const body = await res.json().catch(() => ({}));
        const el = document.getElementById('login-error');
        el.textContent = body.message || ('HTTP ' + res.status);
        el.classList.remove('hidden');
        return;
    }
    sessionStorage.setItem('relay_admin', token);
    start((await res.json()).data);
}

function logout() {
    sessionStorage.removeItem('relay_admin');
    if (ws) ws.close();
    location.reload();
}

function start(snapshot) {
    document.getElementById('login').classList.add('hidden');
    document.getElementById('app').classList.remove('hidden');
    loadSnapshot(snapshot);
    connect();
}

function loadSnapshot(s) {
    creds = {};
    [].concat(s.valid || [], s.exhausted || [], s.invalid || []).forEach(c => creds[c.id] = c);
    render();
}

function connect() {
    const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    ws = new WebSocket(proto + '//' + location.host + '/api/credentials/watch?token=' + encodeURIComponent(token));
    const status = document.getElementById('ws-status');
    ws.onopen = () => status.textContent = 'live';
    ws.onclose = () => { status.textContent = 'disconnected'; setTimeout(connect, 3000); };
    ws.onmessage = (msg) => {
        const m = JSON.parse(msg.data);
        if (m.type === 'snapshot') {
            loadSnapshot(m.snapshot);
        } else if (m.type === 'event') {
            if (m.event.type === 'removed') delete creds[m.event.credential.id];
            else creds[m.event.credential.id] = m.event.credential;
            render();
        }
    };
}

function bucket(state) {
    if (state === 'valid' || state === 'unverified') return 'valid';
    if (state === 'rate_limited') return 'exhausted';
    return 'invalid';
}

function render() {
    const list = Object.values(creds).sort((a, b) => a.kind.localeCompare(b.kind) || a.id.localeCompare(b.id));
    const counts = { valid: 0, exhausted: 0, invalid: 0 };
    list.forEach(c => counts[bucket(c.state)]++);
    for (const k in counts) document.getElementById('count-' + k).textContent = counts[k];

    document.getElementById('rows').innerHTML = list.map(c => ` + "`" + `
        <tr class="border-t">
            <td class="px-4 py-2 font-mono">${c.id}</td>
            <td class="px-4 py-2">${c.kind}</td>
            <td class="px-4 py-2 font-mono">${c.secret}</td>
            <td class="px-4 py-2"><span class="px-2 py-1 rounded state-${c.state}">${c.state}</span></td>
            <td class="px-4 py-2">${c.cooldown_until ? new Date(c.cooldown_until).toLocaleString() : ''}</td>
            <td class="px-4 py-2">${c.in_flight}</td>
            <td class="px-4 py-2">${c.successes} / ${c.failures}</td>
            <td class="px-4 py-2">${c.last_used && !c.last_used.startsWith('0001') ? new Date(c.last_used).toLocaleString() : '-'}</td>
            <td class="px-4 py-2"><button onclick="removeCredential('${c.id}')" class="text-red-600 hover:text-red-800"><i class="fas fa-trash"></i></button></td>
        </tr>` + "`" + `).join('');
}

async function submitCredential() {
    const body = {
        kind: document.getElementById('kind').value,
        secret: document.getElementById('secret').value,
        org_id: document.getElementById('org').value
    };
    const res = await fetch('/api/credential', { method: 'POST', headers: headers(), body: JSON.stringify(body) });
    const data = await res.json();
    if (!res.ok) { alert(data.message); return; }
    document.getElementById('secret').value = '';
}

async function removeCredential(id) {
    if (!confirm('Delete credential ' + id + '?')) return;
    const res = await fetch('/api/credential/' + id, { method: 'DELETE', headers: headers() });
    if (!res.ok) alert((await res.json()).message);
}

async function reconcile() {
    const res = await fetch('/api/reconcile', { method: 'POST', headers: headers() });
    const data = await res.json();
    if (res.ok) loadSnapshot(data.data); else alert(data.message);
}

if (token) {
    fetch('/api/credentials', { headers: headers() })
        .then(r => r.ok ? r.json() : Promise.reject())
        .then(d => start(d.data))
        .catch(() => sessionStorage.removeItem('relay_admin'));
}
</script>
</body>
</html>
`
