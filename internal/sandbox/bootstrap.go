package sandbox

// bootstrapSource runs inside the python runtime. It loads the CSV slice
// into the well-known variables `data` (list of rows) and `df` (pandas
// DataFrame when pandas is importable), then executes the caller's code in
// that scope. Stdout and stderr flow straight through the process pipes so
// partial output survives a timeout kill.
const bootstrapSource = `import csv
import sys


def _load_rows(path):
    with open(path, newline="") as handle:
        return [row for row in csv.reader(handle)]


code_path = sys.argv[1]
csv_path = sys.argv[2]

data = _load_rows(csv_path)
try:
    import pandas as pd

    df = pd.read_csv(csv_path)
except Exception:
    df = None

scope = {"data": data, "df": df, "csv_path": csv_path}
with open(code_path) as handle:
    source = handle.read()
exec(compile(source, "analysis.py", "exec"), scope)
`
