package testrun

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var missingModuleRe = regexp.MustCompile(`No module named ['"]([^'"]+)['"]`)

// py2StdlibModules are legacy standard-library names. A missing one of these
// means the migration left a legacy import behind, never an optional
// dependency.
var py2StdlibModules = map[string]bool{
	"urllib2": true, "urlparse": true, "StringIO": true, "cStringIO": true,
	"ConfigParser": true, "Queue": true, "SocketServer": true, "httplib": true,
	"xmlrpclib": true, "Tkinter": true, "cPickle": true, "copy_reg": true,
	"thread": true, "dummy_thread": true, "HTMLParser": true, "Cookie": true,
	"cookielib": true, "BaseHTTPServer": true, "SimpleHTTPServer": true,
	"CGIHTTPServer": true, "repr": true, "UserDict": true, "UserList": true,
	"UserString": true, "whichdb": true, "anydbm": true,
}

func extractMissingModules(output string) []string {
	var missing []string
	for _, match := range missingModuleRe.FindAllStringSubmatch(output, -1) {
		missing = append(missing, match[1])
	}
	return missing
}

// isOptionalMissingModule triages one missing module name: legacy stdlib
// names and intra-repo modules are migration-related; anything else looks
// like an uninstalled optional dependency.
func isOptionalMissingModule(moduleName, fileID, repoRoot string) bool {
	root := strings.SplitN(moduleName, ".", 2)[0]
	if py2StdlibModules[root] {
		return false
	}
	if _, err := os.Stat(filepath.Join(repoRoot, root+".py")); err == nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(repoRoot, root, "__init__.py")); err == nil {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(fileID), filepath.Ext(fileID))
	if root == stem {
		return false
	}
	return true
}

func containsOptionalDependencyHint(output string, hints []string) bool {
	lowered := strings.ToLower(output)
	for _, hint := range hints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

// isInconclusiveImportFailure separates environmental import noise (missing
// optional deps, script-style entry points exiting) from migration-caused
// failures.
func isInconclusiveImportFailure(fileID, repoRoot, output string, hints []string) bool {
	lowered := strings.ToLower(output)
	if strings.Contains(lowered, "usage:") || strings.Contains(lowered, "systemexit") {
		return true
	}
	if containsOptionalDependencyHint(output, hints) {
		return true
	}
	missing := extractMissingModules(output)
	if len(missing) == 0 {
		return false
	}
	for _, name := range missing {
		if !isOptionalMissingModule(name, fileID, repoRoot) {
			return false
		}
	}
	return true
}

// classifyGlobalFailure tags a failed global probe as "related" when the
// output implicates the transformed file, "inconclusive" otherwise.
func classifyGlobalFailure(fileID, repoRoot, output string, hints []string) string {
	lowered := strings.ToLower(output)
	for _, marker := range []string{
		"importerror while loading conftest", "usage:", "systemexit", "no tests ran",
	} {
		if strings.Contains(lowered, marker) {
			return "inconclusive"
		}
	}
	if containsOptionalDependencyHint(output, hints) {
		return "inconclusive"
	}
	missing := extractMissingModules(output)
	if len(missing) > 0 {
		allOptional := true
		for _, name := range missing {
			if !isOptionalMissingModule(name, fileID, repoRoot) {
				allOptional = false
				break
			}
		}
		if allOptional {
			return "inconclusive"
		}
	}

	markers := []string{
		filepath.ToSlash(fileID),
		filepath.Base(fileID),
		toModuleName(fileID),
	}
	for _, marker := range markers {
		if strings.Contains(output, marker) {
			return "related"
		}
	}
	return "inconclusive"
}
