package plugin

// scopeStdlibSource is the embedded JavaScript implementation of
// require("scope") — the exact wire shims of §4.2/§6. Every function here
// either calls the single native __host_call bridge and unpacks the
// (status, results...) reply, or (for the functions marked "pure" in the
// host API table) never touches the host at all.
//
// This plays the role the teacher's script_engine.go fills with its
// "builtinFunctions" constant (crypto/base64/json/fetch shims run once via
// vm.RunString) — same technique, different catalog, because this runtime's
// catalog is the Monitor's host API rather than a generic sandboxed-script
// convenience library.
const scopeStdlibSource = `
(function() {
  function call(tag) {
    var args = Array.prototype.slice.call(arguments, 1);
    var out = __host_call.apply(null, [tag].concat(args));
    var status = out[0];
    var results = [];
    for (var i = 1; i < out.length; i++) results.push(out[i]);
    return { status: status, results: results };
  }

  function raiseIfError(r, context) {
    if (r.status !== "ok") {
      throw new Error(context + ": " + r.status);
    }
    return r.results;
  }

  function toBytes(v) {
    if (v instanceof Uint8Array) return v;
    if (Array.isArray(v)) {
      var out = new Uint8Array(v.length);
      for (var i = 0; i < v.length; i++) {
        var n = v[i];
        if (n < 0) n = 0x100 + n;
        out[i] = n & 0xff;
      }
      return out;
    }
    if (typeof v === "string") {
      var b = new Uint8Array(v.length);
      for (var j = 0; j < v.length; j++) b[j] = v.charCodeAt(j) & 0xff;
      return b;
    }
    return new Uint8Array(0);
  }

  function toStr(v) {
    if (v === null || v === undefined) return "nil";
    if (typeof v === "string") return v;
    var bytes = toBytes(v);
    var s = "";
    for (var i = 0; i < bytes.length; i++) s += String.fromCharCode(bytes[i]);
    return s;
  }

  var log = {
    debug:   function(msg) { call(":log.debug",   toStr(msg)); },
    info:    function(msg) { call(":log.info",    toStr(msg)); },
    success: function(msg) { call(":log.success", toStr(msg)); },
    warning: function(msg) { call(":log.warning", toStr(msg)); },
    error:   function(msg) { call(":log.error",   toStr(msg)); },
  };
  log.err = log.error; // deprecated alias, Design Note (b)

  var fmtMod = {
    to_str: toStr,
    to_bytes: toBytes,
  };

  function normalizeOpts(opts) {
    opts = opts || {};
    if (opts.timeout_ms === undefined && opts.timeout !== undefined) {
      opts.timeout_ms = opts.timeout; // deprecated alias, Design Note (b)
    }
    return opts;
  }

  var serial = {
    info: function() {
      var r = raiseIfError(call(":serial.info"), "serial.info");
      return { port: r[0], baud: r[1] };
    },
    send: function(msg) {
      raiseIfError(call(":serial.send", toBytes(msg)), "serial.send");
    },
    recv: function(opts) {
      opts = normalizeOpts(opts);
      var r = call(":serial.recv", opts.timeout_ms || 0);
      return { err: r.status === "ok" ? null : r.status, data: r.results[0] || new Uint8Array(0) };
    },
    connect: function(port, baud) {
      raiseIfError(call(":serial.connect", port, baud), "serial.connect");
    },
    disconnect: function() {
      raiseIfError(call(":serial.disconnect"), "serial.disconnect");
    },
  };

  var rtt = {
    info: function() {
      var r = raiseIfError(call(":rtt.info"), "rtt.info");
      return { target: r[0], channel: r[1] };
    },
    send: function(msg) {
      raiseIfError(call(":rtt.send", toBytes(msg)), "rtt.send");
    },
    recv: function(opts) {
      opts = normalizeOpts(opts);
      var r = call(":rtt.recv", opts.timeout_ms || 0);
      return { err: r.status === "ok" ? null : r.status, data: r.results[0] || new Uint8Array(0) };
    },
    read: function(opts) {
      opts = opts || {};
      if ((opts.size || 0) > 1024) throw new Error("rtt.read: invalid-argument");
      var r = call(":rtt.read", opts.address || 0, opts.size || 0);
      return { err: r.status === "ok" ? null : r.status, data: r.results[0] || new Uint8Array(0) };
    },
  };

  var sys = {
    os_name: function() { return __os_name; },
    sleep_ms: function(n) { raiseIfError(call(":sys.sleep", n), "sys.sleep_ms"); },
    parse_args: function(list) {
      var out = [];
      for (var i = 0; i < list.length; i++) {
        var slot = list[i];
        var arg = slot.arg;
        var ty = slot.ty;
        var ordinal = (i + 1) + ordinalSuffix(i + 1);
        if (arg === undefined || arg === null || arg === "") {
          if (slot.default !== undefined) {
            out.push(slot.default);
            continue;
          }
          throw new Error(ordinal + " argument must not be empty");
        }
        if (typeof arg === "function" || typeof arg === "symbol" || typeof arg === "undefined") {
          throw new Error(ordinal + " argument is invalid");
        }
        var val = arg;
        if (ty === "number") {
          val = Number(arg);
          if (isNaN(val)) throw new Error(ordinal + " argument is invalid");
        } else if (ty === "boolean") {
          val = (arg === true || arg === "true" || arg === "1");
        }
        if (slot.validate && !slot.validate(val)) {
          throw new Error(ordinal + " argument is invalid");
        }
        out.push(val);
      }
      return out;
    },
  };
  sys.sleep = sys.sleep_ms; // deprecated alias, Design Note (b)

  function ordinalSuffix(n) {
    var rem100 = n % 100;
    if (rem100 >= 11 && rem100 <= 13) return "th";
    switch (n % 10) {
      case 1: return "st";
      case 2: return "nd";
      case 3: return "rd";
      default: return "th";
    }
  }

  var re = {
    match: function(s, p) {
      var r = raiseIfError(call(":re.match", s, p), "re.match");
      return !!r[0];
    },
    matches: function(s) {
      var pairs = Array.prototype.slice.call(arguments, 1);
      var sources = [];
      for (var i = 0; i < pairs.length; i += 2) sources.push(pairs[i]);
      var r = raiseIfError(call.apply(null, [":re.matches", s].concat(sources)), "re.matches");
      var chosen = r[0];
      if (chosen === null || chosen === undefined) return null;
      for (var j = 0; j < pairs.length; j += 2) {
        if (pairs[j] === chosen) {
          pairs[j + 1](s);
          return chosen;
        }
      }
      return chosen;
    },
    literal: function(s) {
      var r = raiseIfError(call(":re.literal", s), "re.literal");
      return r[0];
    },
  };

  var module = { log: log, fmt: fmtMod, serial: serial, rtt: rtt, sys: sys, re: re };
  globalThis.__scope_module = module;
})();
`

// shellStdlibSource is the embedded implementation of require("shell")
// (§4.2, §4.5, §6): a constructor producing per-plugin Shell instances, the
// canonical model per Design Note ("Shell object identity").
const shellStdlibSource = `
(function() {
  function Shell() {
    var out = __host_call(":Shell.new");
    if (out[0] !== "ok") throw new Error("Shell.new: " + out[0]);
    this._id = out[1];
  }
  Shell.new = function() { return new Shell(); };
  Shell.prototype.run = function(cmd, opts) {
    opts = opts || {};
    var timeout = opts.timeout_ms;
    if (timeout === undefined) timeout = opts.timeout;
    var out = __host_call(":Shell:run", this._id, cmd, timeout || 0);
    return { status: out[0], stdout: out[1] || "", stderr: out[2] || "" };
  };
  Shell.prototype.exist = function(prog) {
    var out = __host_call(":Shell:exist", this._id, prog);
    return { status: out[0], found: out[0] === "ok" ? !!out[1] : false };
  };
  globalThis.__shell_module = Shell;
})();
`
